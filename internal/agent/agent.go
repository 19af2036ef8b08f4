// Package agent ties the pieces together: it loads the device identity,
// maintains the gateway session with reconnection, routes inbound invokes
// through the approval broker, and serves the local health and control
// surfaces.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/perchd/gatelink/internal/config"
	"github.com/perchd/gatelink/internal/control"
	"github.com/perchd/gatelink/internal/diag"
	"github.com/perchd/gatelink/internal/health"
	"github.com/perchd/gatelink/internal/identity"
	"github.com/perchd/gatelink/internal/invoke"
	"github.com/perchd/gatelink/internal/logging"
	"github.com/perchd/gatelink/internal/metrics"
	"github.com/perchd/gatelink/internal/protocol"
	"github.com/perchd/gatelink/internal/session"
	"github.com/perchd/gatelink/internal/sysinfo"
)

// systemConfigDir is readable by the sandbox when allow_system_config is set.
const systemConfigDir = "/etc/gatelink"

// Agent is the long-running gateway link agent.
type Agent struct {
	cfg        *config.Config
	configPath string
	log        *slog.Logger
	m          *metrics.Metrics

	deviceID identity.DeviceID
	keypair  *identity.Keypair
	tokens   *identity.TokenStore

	broker   *invoke.Broker
	encoding string

	mu   sync.Mutex
	sess *session.Session

	health  *health.Server
	control *control.Server

	// OnEvent, when set, receives gateway events (chat deltas, pairing
	// prompts) after the agent's own handling.
	OnEvent func(event string, payload json.RawMessage)
}

// New assembles an agent from configuration. configPath is the file the
// configuration was loaded from; it backs the read_config invoke and its
// directory joins the sandbox allowlist. It may be empty.
func New(cfg *config.Config, configPath string, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	dataDir := cfg.Agent.DataDir
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	deviceID, createdID, err := identity.LoadOrCreate(dataDir)
	if err != nil {
		return nil, fmt.Errorf("device identity: %w", err)
	}
	if createdID {
		logger.Info("generated new device identity", logging.KeyDeviceID, deviceID.String())
	}

	keypair, createdKey, err := identity.LoadOrCreateKeypair(dataDir)
	if err != nil {
		return nil, fmt.Errorf("device keypair: %w", err)
	}
	if createdKey {
		logger.Info("generated new device keypair")
	}

	encoding, err := config.EncodingForEndpoint(cfg.Gateway.Endpoint, cfg.Gateway.Encoding)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:        cfg,
		configPath: configPath,
		log:        logger,
		m:          metrics.Default(),
		deviceID:   deviceID,
		keypair:    keypair,
		tokens:     identity.NewTokenStore(dataDir),
		encoding:   encoding,
	}

	sandbox, err := a.buildSandbox()
	if err != nil {
		return nil, err
	}

	// The agent itself is the responder: results flow back over whatever
	// session is live when the decision lands.
	a.broker = invoke.NewBroker(invoke.BrokerConfig{
		QueueCapacity:    cfg.Invoke.QueueCapacity,
		AutoApproveReads: cfg.Invoke.AutoApproveReads,
		ApprovalTimeout:  cfg.Invoke.ApprovalTimeout,
		RatePerMinute:    cfg.Invoke.RatePerMinute,
	}, sandbox, a, logger, a.m)

	if cfg.Health.Enabled {
		hc := health.DefaultServerConfig()
		hc.Address = cfg.Health.Address
		if cfg.Health.ReadTimeout > 0 {
			hc.ReadTimeout = cfg.Health.ReadTimeout
		}
		if cfg.Health.WriteTimeout > 0 {
			hc.WriteTimeout = cfg.Health.WriteTimeout
		}
		a.health = health.NewServer(hc, a)
	}

	if cfg.Control.Enabled {
		cc := control.DefaultServerConfig()
		cc.SocketPath = cfg.Control.SocketPath
		cc.PasswordHash = cfg.Control.PasswordHash
		a.control = control.NewServer(cc, a)
	}

	return a, nil
}

// buildSandbox derives the path policy and sandbox from configuration. The
// data dir and the config file's directory are always allowed roots.
func (a *Agent) buildSandbox() (*invoke.Sandbox, error) {
	roots := []string{a.cfg.Agent.DataDir}
	if a.configPath != "" {
		abs, err := filepath.Abs(a.configPath)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		roots = append(roots, filepath.Dir(abs))
	}
	if a.cfg.Sandbox.AllowSystemConfig {
		if _, err := os.Stat(systemConfigDir); err == nil {
			roots = append(roots, systemConfigDir)
		}
	}
	roots = append(roots, a.cfg.Sandbox.AllowedRoots...)

	policy, err := invoke.NewPathPolicy(roots)
	if err != nil {
		return nil, fmt.Errorf("path policy: %w", err)
	}

	outputCap, err := a.cfg.Sandbox.OutputCapBytes()
	if err != nil {
		return nil, err
	}

	return invoke.NewSandbox(invoke.SandboxConfig{
		Policy:         policy,
		CLIBin:         a.cfg.Sandbox.CLIBin,
		ExtraCommands:  a.cfg.Sandbox.ExtraCommands,
		CommandTimeout: a.cfg.Sandbox.CommandTimeout,
		OutputCap:      int(outputCap),
		ConfigPath:     a.configPath,
		SystemInfo: func() (any, error) {
			return sysinfo.Collect(), nil
		},
		ValidateConfig: func(ctx context.Context) (any, error) {
			return diag.Run(ctx, a.cfg), nil
		},
	}, a.log, a.m)
}

// Run connects to the gateway and keeps the link alive until ctx is
// cancelled. With reconnection enabled, connection faults are retried with
// exponential backoff; without it, the first fault ends the run.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.startServers(); err != nil {
		return err
	}
	defer a.stopServers()

	bo := newBackoff(a.cfg.Gateway.Reconnect)

	for {
		disconnected, err := a.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warn("connect failed",
				logging.KeyEndpoint, a.cfg.Gateway.Endpoint,
				logging.KeyError, err)
			if !a.cfg.Gateway.Reconnect.Enabled {
				return err
			}
			if !a.waitRetry(ctx, bo) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("reconnect attempts exhausted: %w", err)
			}
			continue
		}

		bo.reset()

		select {
		case reason := <-disconnected:
			a.dropSession()
			a.broker.Clear()
			if reason == nil {
				// Local disconnect ends the run.
				return nil
			}
			a.m.RecordDisconnect("transport")
			if !a.cfg.Gateway.Reconnect.Enabled {
				return reason
			}
			if !a.waitRetry(ctx, bo) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("reconnect attempts exhausted: %w", reason)
			}

		case <-ctx.Done():
			a.Disconnect()
			a.broker.Clear()
			return ctx.Err()
		}
	}
}

// connect dials, bootstraps, and installs a new session. The returned channel
// receives the disconnect reason exactly once.
func (a *Agent) connect(ctx context.Context) (<-chan error, error) {
	conn, err := session.Dial(ctx, a.cfg.Gateway.Endpoint, session.DialOptions{
		Encoding:           a.encoding,
		Timeout:            a.cfg.Gateway.HandshakeTimeout,
		CAFile:             a.cfg.Gateway.TLS.CA,
		InsecureSkipVerify: a.cfg.Gateway.TLS.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}

	disconnected := make(chan error, 1)
	sess := session.New(conn, session.Options{
		Logger:         a.log,
		RequestTimeout: a.cfg.Gateway.RequestTimeout,
		OnInvoke:       a.broker.HandleFrame,
		OnEvent:        a.handleEvent,
		OnDisconnect:   func(reason error) { disconnected <- reason },
		Metrics:        a.m,
	})

	started := time.Now()
	if err := a.bootstrapper().Bootstrap(ctx, sess); err != nil {
		sess.Disconnect()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	a.mu.Lock()
	a.sess = sess
	a.mu.Unlock()

	a.m.RecordConnect(a.encoding)
	a.m.RecordHandshake(time.Since(started).Seconds())
	a.log.Info("connected to gateway",
		logging.KeyEndpoint, a.cfg.Gateway.Endpoint,
		logging.KeyEncoding, a.encoding,
		logging.KeyDuration, time.Since(started))

	return disconnected, nil
}

// bootstrapper selects the handshake strategy: a configured operator token
// means device auth; otherwise the pairing flow with the stored token.
func (a *Agent) bootstrapper() session.Bootstrapper {
	if a.cfg.Gateway.Token != "" {
		return &session.DeviceAuth{
			DeviceID: a.deviceID,
			Keypair:  a.keypair,
			Client:   a.cfg.Agent.ClientName,
			Role:     a.cfg.Agent.Role,
			Scopes:   a.cfg.Gateway.Scopes,
			Token:    a.cfg.Gateway.Token,
			Logger:   a.log,
		}
	}
	return &session.TokenPairing{
		Tokens:         a.tokens,
		DeviceID:       a.deviceID,
		Client:         a.cfg.Agent.ClientName,
		PairingTimeout: a.cfg.Gateway.PairingTimeout,
		HelloTimeout:   a.cfg.Gateway.HandshakeTimeout,
		Logger:         a.log,
	}
}

// waitRetry sleeps the next backoff delay. It returns false when retries are
// exhausted or the context is cancelled.
func (a *Agent) waitRetry(ctx context.Context, bo *backoff) bool {
	delay, ok := bo.next()
	if !ok {
		return false
	}
	a.m.Reconnects.Inc()
	a.log.Info("reconnecting",
		logging.KeyEndpoint, a.cfg.Gateway.Endpoint,
		logging.KeyDuration, delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// handleEvent reacts to gateway events before forwarding them.
func (a *Agent) handleEvent(event string, payload json.RawMessage) {
	switch event {
	case protocol.EventChat:
		var chat protocol.ChatPayload
		if err := json.Unmarshal(payload, &chat); err == nil && chat.Text != "" {
			a.log.Info("gateway message", "text", chat.Text, "final", chat.Final)
		}
	case protocol.EventPairPrompt:
		var prompt protocol.PairPromptPayload
		if err := json.Unmarshal(payload, &prompt); err == nil {
			a.log.Info("pairing approval required on the gateway",
				"code", prompt.Code, "message", prompt.Message)
		}
	}

	if a.OnEvent != nil {
		a.OnEvent(event, payload)
	}
}

// SendFrame routes a frame over the current session.
func (a *Agent) SendFrame(f *protocol.Frame) error {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess == nil {
		return session.ErrNotConnected
	}
	return sess.SendFrame(f)
}

// Call issues an application request over the current session.
func (a *Agent) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess == nil {
		return nil, session.ErrNotConnected
	}
	return sess.Call(ctx, method, params)
}

// Disconnect closes the current session, if any.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess != nil {
		_ = sess.Disconnect()
	}
}

// dropSession forgets the session after teardown.
func (a *Agent) dropSession() {
	a.mu.Lock()
	a.sess = nil
	a.mu.Unlock()
}

// DeviceID returns the agent's device identity.
func (a *Agent) DeviceID() identity.DeviceID {
	return a.deviceID
}

// IsConnected reports whether a ready gateway session exists.
func (a *Agent) IsConnected() bool {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	return sess != nil && sess.IsConnected()
}

// IsRunning implements health.StatsProvider; readiness means a live link.
func (a *Agent) IsRunning() bool {
	return a.IsConnected()
}

// Endpoint returns the configured gateway endpoint.
func (a *Agent) Endpoint() string {
	return a.cfg.Gateway.Endpoint
}

// PendingInvokes returns queued invokes in insertion order.
func (a *Agent) PendingInvokes() []*invoke.Invoke {
	return a.broker.Pending()
}

// Approve executes a pending invoke and returns its result.
func (a *Agent) Approve(ctx context.Context, id string) (json.RawMessage, error) {
	return a.broker.Approve(ctx, id)
}

// Reject refuses a pending invoke with a reason.
func (a *Agent) Reject(id, reason string) error {
	return a.broker.Reject(id, reason)
}

// Stats implements health.StatsProvider.
func (a *Agent) Stats() health.Stats {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()

	s := health.Stats{
		Connected:      sess != nil && sess.IsConnected(),
		Endpoint:       a.cfg.Gateway.Endpoint,
		Encoding:       a.encoding,
		PendingInvokes: len(a.broker.Pending()),
	}
	if sess != nil {
		s.PendingRequests = sess.PendingRequests()
	}
	return s
}

func (a *Agent) startServers() error {
	if a.health != nil {
		if err := a.health.Start(); err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		a.log.Info("health server listening", "address", a.health.Address().String())
	}
	if a.control != nil {
		if err := a.control.Start(); err != nil {
			if a.health != nil {
				_ = a.health.Stop()
			}
			return fmt.Errorf("control server: %w", err)
		}
		a.log.Info("control socket ready", "socket", a.control.SocketPath())
	}
	return nil
}

func (a *Agent) stopServers() {
	if a.control != nil {
		if err := a.control.Stop(); err != nil {
			a.log.Warn("control server stop failed", logging.KeyError, err)
		}
	}
	if a.health != nil {
		if err := a.health.Stop(); err != nil {
			a.log.Warn("health server stop failed", logging.KeyError, err)
		}
	}
}
