// Package session implements the gateway link session: one physical duplex
// connection, a dedicated receive loop that dispatches inbound frames, the
// outbound request correlation table, and the bootstrap strategies that take
// a fresh connection to the ready state.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perchd/gatelink/internal/logging"
	"github.com/perchd/gatelink/internal/metrics"
	"github.com/perchd/gatelink/internal/protocol"
)

// DefaultRequestTimeout bounds a Call when no per-call deadline is set.
const DefaultRequestTimeout = 120 * time.Second

// Options configures a Session.
type Options struct {
	// Logger receives session lifecycle and dispatch logs.
	Logger *slog.Logger

	// RequestTimeout bounds outbound requests. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	// OnInvoke receives inbound invoke frames (type req/invoke with a
	// command). Called from the receive loop; implementations must not block.
	OnInvoke func(f *protocol.Frame)

	// OnEvent receives out-of-band events (chat deltas, pairing prompts,
	// gateway error notifications). Called from the receive loop.
	OnEvent func(event string, payload json.RawMessage)

	// OnDisconnect fires exactly once when the session ends. reason is nil
	// for a local Disconnect and non-nil for transport faults.
	OnDisconnect func(reason error)

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
}

// Session owns one gateway connection. The receive loop is the only writer
// of disconnected state; all other paths read it or request a send. Outbound
// writes are serialized by a mutex held only for the write itself.
type Session struct {
	opts Options
	log  *slog.Logger

	writeMu sync.Mutex // held only while writing one frame

	mu     sync.Mutex
	conn   FrameConn
	closed bool

	counter atomic.Uint64
	pending *pendingTable

	waiterMu    sync.Mutex
	typeWaiters map[string]chan *protocol.Frame
	challengeCh chan string
	earlyNonce  *string
}

// New creates a Session over an established FrameConn and starts its
// receive loop.
func New(conn FrameConn, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	s := &Session{
		opts:        opts,
		log:         opts.Logger,
		conn:        conn,
		pending:     newPendingTable(),
		typeWaiters: make(map[string]chan *protocol.Frame),
	}

	go s.readLoop(conn)
	return s
}

// IsConnected reports whether the session still owns a live connection.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Disconnect tears the session down. Idempotent and always safe to call;
// every outstanding waiter observes ErrConnectionLost.
func (s *Session) Disconnect() error {
	s.teardown(nil)
	return nil
}

// SendFrame serializes and writes one frame. Write failures surface to the
// caller and are not retried.
func (s *Session) SendFrame(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if closed || conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	err = conn.WriteFrame(data)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.FramesSent.WithLabelValues(f.Type).Inc()
	}
	return nil
}

// Call sends a request and waits for the matching response. The waiter is
// registered before transmission so a fast response cannot race it. Timeout
// and connection loss are distinguishable: ErrTimeout vs ErrConnectionLost.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f, id, err := s.buildRequest(method, params)
	if err != nil {
		return nil, err
	}

	ch := s.pending.register(id)
	if err := s.SendFrame(f); err != nil {
		s.pending.remove(id)
		return nil, err
	}

	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-timer.C:
		s.pending.remove(id)
		if s.opts.Metrics != nil {
			s.opts.Metrics.RequestTimeouts.Inc()
		}
		return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
	case <-ctx.Done():
		s.pending.remove(id)
		return nil, ctx.Err()
	}
}

// Notify sends a request without waiting for its response. Any response the
// gateway sends for the ID has no registered waiter and is dropped by the
// receive loop.
func (s *Session) Notify(method string, params any) error {
	f, _, err := s.buildRequest(method, params)
	if err != nil {
		return err
	}
	return s.SendFrame(f)
}

// buildRequest allocates the next request ID and assembles the frame.
func (s *Session) buildRequest(method string, params any) (*protocol.Frame, string, error) {
	id := strconv.FormatUint(s.counter.Add(1), 10)

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, "", fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}

	return &protocol.Frame{
		Type:   protocol.TypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}, id, nil
}

// PendingRequests returns the number of in-flight outbound requests.
func (s *Session) PendingRequests() int {
	return s.pending.size()
}

// hasWaiter reports whether an outbound request ID is still registered.
// Used by tests to verify timeout cleanup.
func (s *Session) hasWaiter(id string) bool {
	return s.pending.contains(id)
}

// challengeSignal registers interest in the next connect.challenge nonce.
// A nonce that arrived before registration is delivered immediately. The
// returned channel is closed on teardown.
func (s *Session) challengeSignal() <-chan string {
	ch := make(chan string, 1)
	s.waiterMu.Lock()
	if s.earlyNonce != nil {
		ch <- *s.earlyNonce
		s.earlyNonce = nil
	} else {
		s.challengeCh = ch
	}
	s.waiterMu.Unlock()
	return ch
}

// registerFrameWaiter registers interest in the next frame of the given
// type. Registration must happen before the frame that solicits the reply is
// written, or a fast reply races the waiter. The channel is closed on
// teardown.
func (s *Session) registerFrameWaiter(frameType string) chan *protocol.Frame {
	ch := make(chan *protocol.Frame, 1)
	s.waiterMu.Lock()
	s.typeWaiters[frameType] = ch
	s.waiterMu.Unlock()
	return ch
}

// removeFrameWaiter deregisters a waiter that will never be awaited, such as
// when the soliciting send fails.
func (s *Session) removeFrameWaiter(frameType string, ch chan *protocol.Frame) {
	s.waiterMu.Lock()
	if s.typeWaiters[frameType] == ch {
		delete(s.typeWaiters, frameType)
	}
	s.waiterMu.Unlock()
}

// awaitFrame blocks on a registered waiter until its frame arrives, the
// timeout expires, or the session is torn down.
func (s *Session) awaitFrame(ctx context.Context, frameType string, ch chan *protocol.Frame, timeout time.Duration) (*protocol.Frame, error) {
	defer s.removeFrameWaiter(frameType, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return f, nil
	case <-timer.C:
		return nil, fmt.Errorf("waiting for %s: %w", frameType, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop is the exclusive reader: one frame at a time, dispatched by type
// in strict arrival order. It is also the only writer of disconnected state.
func (s *Session) readLoop(conn FrameConn) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			s.teardown(fmt.Errorf("read: %w", err))
			return
		}

		f, err := protocol.Decode(data)
		if err != nil {
			// A malformed frame must not sever the session. This is the
			// only error the session swallows.
			s.log.Warn("dropping malformed frame", logging.KeyError, err)
			if s.opts.Metrics != nil {
				s.opts.Metrics.MalformedFrames.Inc()
			}
			continue
		}

		if s.opts.Metrics != nil {
			s.opts.Metrics.FramesReceived.WithLabelValues(f.Type).Inc()
		}

		s.dispatch(f)
	}
}

// dispatch routes one inbound frame by its type discriminator.
func (s *Session) dispatch(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeResponse:
		s.dispatchResponse(f)

	case protocol.TypeRequest, protocol.TypeInvoke:
		if f.Command == "" {
			// An inbound request without a command is not an invoke;
			// refuse it explicitly rather than dropping it.
			_ = s.SendFrame(protocol.NewErrorResponse(f.ID, "unsupported", "request carries no command"))
			return
		}
		if s.opts.OnInvoke != nil {
			s.opts.OnInvoke(f)
		}

	case protocol.TypePing:
		// Always answered immediately, regardless of handshake phase.
		if err := s.SendFrame(protocol.NewPong(f.ID)); err != nil {
			s.log.Warn("pong failed", logging.KeyError, err)
		}

	case protocol.TypeChallenge:
		s.deliverChallenge(f.Payload)

	case protocol.TypeEvent:
		if f.Event == protocol.EventChallenge {
			s.deliverChallenge(f.Payload)
		}
		if s.opts.OnEvent != nil {
			s.opts.OnEvent(f.Event, f.Payload)
		}

	case protocol.TypeError:
		// Gateway-reported error: surfaced as a notification, the
		// connection stays open.
		s.log.Warn("gateway error frame", "message", f.Message)
		if s.opts.OnEvent != nil {
			payload, _ := json.Marshal(map[string]string{"message": f.Message})
			s.opts.OnEvent(protocol.TypeError, payload)
		}

	case protocol.TypePairOK, protocol.TypeHelloOK, protocol.TypePong:
		s.deliverToTypeWaiter(f)

	default:
		s.log.Warn("unknown frame type", "frame_type", f.Type)
	}
}

// dispatchResponse resolves the waiter registered for the response ID.
// Responses with no waiter are dropped without affecting other requests.
func (s *Session) dispatchResponse(f *protocol.Frame) {
	var res callResult
	if f.IsOK() {
		res.payload = f.Payload
	} else if f.Error != nil {
		res.err = fmt.Errorf("gateway: %w", f.Error)
	} else {
		res.err = fmt.Errorf("gateway: request %s failed", f.ID)
	}

	if !s.pending.resolve(f.ID, res) {
		s.log.Debug("response with no registered waiter", logging.KeyRequestID, f.ID)
	}
}

// deliverChallenge hands the nonce to the registered handshake waiter.
func (s *Session) deliverChallenge(payload json.RawMessage) {
	var c protocol.ChallengePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &c); err != nil {
			s.log.Warn("malformed challenge payload", logging.KeyError, err)
			return
		}
	}

	s.waiterMu.Lock()
	ch := s.challengeCh
	s.challengeCh = nil
	if ch == nil {
		// Gateways may challenge the moment the transport connects, before
		// the handshake registers its waiter. Keep the nonce for it.
		nonce := c.Nonce
		s.earlyNonce = &nonce
	}
	s.waiterMu.Unlock()

	if ch != nil {
		ch <- c.Nonce
	}
}

// deliverToTypeWaiter hands a frame to the waiter registered for its type.
func (s *Session) deliverToTypeWaiter(f *protocol.Frame) {
	s.waiterMu.Lock()
	ch, ok := s.typeWaiters[f.Type]
	if ok {
		delete(s.typeWaiters, f.Type)
	}
	s.waiterMu.Unlock()

	if ok {
		ch <- f
	} else {
		s.log.Debug("unsolicited frame", "frame_type", f.Type)
	}
}

// teardown transitions the session to disconnected exactly once: closes the
// transport, releases every waiter, and emits the disconnect notification.
func (s *Session) teardown(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	s.pending.failAll(ErrConnectionLost)

	s.waiterMu.Lock()
	for t, ch := range s.typeWaiters {
		close(ch)
		delete(s.typeWaiters, t)
	}
	if s.challengeCh != nil {
		close(s.challengeCh)
		s.challengeCh = nil
	}
	s.waiterMu.Unlock()

	if reason != nil {
		s.log.Info("session disconnected", logging.KeyReason, reason.Error())
	} else {
		s.log.Info("session disconnected")
	}

	if s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(reason)
	}
}
