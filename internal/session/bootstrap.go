package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/perchd/gatelink/internal/identity"
	"github.com/perchd/gatelink/internal/logging"
	"github.com/perchd/gatelink/internal/protocol"
)

const (
	// defaultChallengeWait bounds how long device auth waits for the
	// gateway's connect.challenge before signing without a nonce.
	defaultChallengeWait = 2 * time.Second

	// defaultPairingTimeout bounds the operator-approval window during
	// first-time pairing.
	defaultPairingTimeout = 6 * time.Minute

	// defaultHelloTimeout bounds the hello acknowledgement after pairing.
	defaultHelloTimeout = 30 * time.Second
)

// Bootstrapper takes a freshly dialed session from connected to ready.
// Implementations run exactly once per connection, before any invoke or
// application request flows.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, s *Session) error
}

// DeviceAuth authenticates with the device keypair: wait briefly for the
// gateway's challenge nonce, sign a device assertion over the connect
// parameters, and issue the connect request.
type DeviceAuth struct {
	DeviceID identity.DeviceID
	Keypair  *identity.Keypair
	Client   string
	Role     string
	Scopes   []string
	Token    string

	// ChallengeWait overrides defaultChallengeWait when positive.
	ChallengeWait time.Duration

	Logger *slog.Logger
}

// connectResult is the payload of a successful connect response.
type connectResult struct {
	Protocol int    `json:"protocol"`
	Session  string `json:"session,omitempty"`
}

// Bootstrap performs the device-auth handshake.
func (d *DeviceAuth) Bootstrap(ctx context.Context, s *Session) error {
	log := d.Logger
	if log == nil {
		log = logging.NopLogger()
	}

	nonce, err := d.awaitNonce(ctx, s, log)
	if err != nil {
		return err
	}

	signedAt := time.Now().Unix()
	assertion := protocol.SignAssertion(d.DeviceID, d.Keypair, d.Client, d.Role, d.Scopes, signedAt, d.Token, nonce)

	params := protocol.ConnectParams{
		MinProtocol: protocol.ProtocolMin,
		MaxProtocol: protocol.ProtocolMax,
		Token:       d.Token,
		Client:      d.Client,
		Role:        d.Role,
		Scopes:      d.Scopes,
		Device:      assertion,
	}

	payload, err := s.Call(ctx, "connect", params)
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionLost) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}

	var res connectResult
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &res); err != nil {
			return fmt.Errorf("malformed connect response: %w", err)
		}
	}

	log.Info("device auth complete",
		logging.KeyDeviceID, d.DeviceID.String(),
		"protocol", res.Protocol)
	return nil
}

// awaitNonce waits for the challenge nonce. Gateways that never send a
// challenge are tolerated: the assertion is signed with an empty nonce,
// which forfeits replay protection, so the fallback is logged loudly.
func (d *DeviceAuth) awaitNonce(ctx context.Context, s *Session, log *slog.Logger) (string, error) {
	wait := d.ChallengeWait
	if wait <= 0 {
		wait = defaultChallengeWait
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case nonce, ok := <-s.challengeSignal():
		if !ok {
			return "", ErrConnectionLost
		}
		return nonce, nil
	case <-timer.C:
		log.Warn("no challenge received from gateway; signing assertion WITHOUT a nonce (replay protection disabled for this connect)",
			logging.KeyEndpoint, "connect")
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// TokenPairing bootstraps via the pairing flow: request a token, wait for
// the operator to approve on the gateway side, persist the token, then
// identify with hello. Subsequent connections skip straight to hello.
type TokenPairing struct {
	Tokens   *identity.TokenStore
	DeviceID identity.DeviceID
	Client   string

	// PairingTimeout overrides defaultPairingTimeout when positive.
	PairingTimeout time.Duration

	// HelloTimeout overrides defaultHelloTimeout when positive.
	HelloTimeout time.Duration

	Logger *slog.Logger
}

type pairRequestParams struct {
	Client   string `json:"client"`
	DeviceID string `json:"deviceId"`
}

// Bootstrap pairs if no token is stored, then performs the hello exchange.
func (p *TokenPairing) Bootstrap(ctx context.Context, s *Session) error {
	log := p.Logger
	if log == nil {
		log = logging.NopLogger()
	}

	token, err := p.Tokens.Load()
	if err != nil {
		return fmt.Errorf("load pairing token: %w", err)
	}

	if token == "" {
		token, err = p.pair(ctx, s, log)
		if err != nil {
			return err
		}
	}

	if err := p.hello(ctx, s, token); err != nil {
		if errors.Is(err, ErrHandshakeRejected) {
			// A rejected token is no longer worth keeping; dropping it
			// forces a fresh pairing on the next connection.
			if rmErr := p.Tokens.Remove(); rmErr != nil {
				log.Warn("failed to discard rejected token", logging.KeyError, rmErr)
			} else {
				log.Info("discarded rejected pairing token")
			}
		}
		return err
	}

	log.Info("pairing handshake complete", logging.KeyDeviceID, p.DeviceID.String())
	return nil
}

// pair requests a pairing token and waits for operator approval.
func (p *TokenPairing) pair(ctx context.Context, s *Session, log *slog.Logger) (string, error) {
	params, err := json.Marshal(pairRequestParams{
		Client:   p.Client,
		DeviceID: p.DeviceID.String(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal pair request: %w", err)
	}

	// Register for pair-ok before the request leaves, so an approval that
	// arrives within the send round-trip is not dropped.
	ch := s.registerFrameWaiter(protocol.TypePairOK)

	if err := s.SendFrame(&protocol.Frame{
		Type:   protocol.TypePairRequest,
		Params: params,
	}); err != nil {
		s.removeFrameWaiter(protocol.TypePairOK, ch)
		return "", fmt.Errorf("send pair request: %w", err)
	}

	log.Info("pairing requested; waiting for operator approval on the gateway")

	timeout := p.PairingTimeout
	if timeout <= 0 {
		timeout = defaultPairingTimeout
	}

	f, err := s.awaitFrame(ctx, protocol.TypePairOK, ch, timeout)
	if err != nil {
		return "", fmt.Errorf("pairing: %w", err)
	}
	if f.OK != nil && !*f.OK {
		return "", fmt.Errorf("%w: %s", ErrHandshakeRejected, f.Message)
	}
	if f.Token == "" {
		return "", fmt.Errorf("%w: pair-ok carries no token", ErrHandshakeRejected)
	}

	if err := p.Tokens.Save(f.Token); err != nil {
		return "", fmt.Errorf("persist pairing token: %w", err)
	}

	log.Info("pairing approved, token stored")
	return f.Token, nil
}

// hello identifies the agent with its token and waits for the ack.
func (p *TokenPairing) hello(ctx context.Context, s *Session, token string) error {
	// Register for hello-ok before sending: some gateways ack fast enough
	// that the reply lands inside the send round-trip.
	ch := s.registerFrameWaiter(protocol.TypeHelloOK)

	if err := s.SendFrame(&protocol.Frame{
		Type:  protocol.TypeHello,
		Token: token,
	}); err != nil {
		s.removeFrameWaiter(protocol.TypeHelloOK, ch)
		return fmt.Errorf("send hello: %w", err)
	}

	timeout := p.HelloTimeout
	if timeout <= 0 {
		timeout = defaultHelloTimeout
	}

	f, err := s.awaitFrame(ctx, protocol.TypeHelloOK, ch, timeout)
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if f.OK != nil && !*f.OK {
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, f.Message)
	}
	return nil
}
