package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/perchd/gatelink/internal/logging"
	"github.com/perchd/gatelink/internal/metrics"
	"github.com/perchd/gatelink/internal/protocol"
)

// DefaultApprovalTimeout bounds how long an invoke may sit in the queue
// before it is auto-rejected.
const DefaultApprovalTimeout = 5 * time.Minute

// Responder sends response frames back over the originating session.
// Satisfied by *session.Session.
type Responder interface {
	SendFrame(f *protocol.Frame) error
}

// BrokerConfig configures the approval broker.
type BrokerConfig struct {
	// QueueCapacity bounds pending invokes; zero means DefaultQueueCapacity.
	QueueCapacity int

	// AutoApproveReads approves read-kind invokes without waiting for a
	// human decision.
	AutoApproveReads bool

	// ApprovalTimeout auto-rejects invokes nobody decides on; zero means
	// DefaultApprovalTimeout, negative disables the timeout.
	ApprovalTimeout time.Duration

	// RatePerMinute bounds inbound invoke intake; zero disables limiting.
	RatePerMinute int
}

// Broker owns the pending-invoke queue and drives the approve/reject/execute
// cycle. Inbound frames come from the session receive loop; decisions come
// from local callers (CLI, control socket, auto-approval policy).
type Broker struct {
	cfg     BrokerConfig
	queue   *Queue
	sandbox *Sandbox
	out     Responder
	limiter *rate.Limiter
	log     *slog.Logger
	metrics *metrics.Metrics

	// OnPending, when set, is notified of each newly queued invoke.
	OnPending func(inv *Invoke)
}

// NewBroker creates a broker around a sandbox and a responder.
func NewBroker(cfg BrokerConfig, sandbox *Sandbox, out Responder, logger *slog.Logger, m *metrics.Metrics) *Broker {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.ApprovalTimeout == 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}

	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute)
	}

	return &Broker{
		cfg:     cfg,
		queue:   NewQueue(cfg.QueueCapacity),
		sandbox: sandbox,
		out:     out,
		limiter: limiter,
		log:     logger,
		metrics: m,
	}
}

// HandleFrame ingests one inbound invoke frame. Called from the session
// receive loop; heavy work (execution) is deferred to approval time, so this
// only classifies, queues, and notifies.
func (b *Broker) HandleFrame(f *protocol.Frame) {
	if f.ID == "" || f.Command == "" {
		b.respondError(f.ID, "invalid_invoke", "invoke requires id and command")
		return
	}

	if b.limiter != nil && !b.limiter.Allow() {
		if b.metrics != nil {
			b.metrics.InvokesRateLimited.Inc()
		}
		b.respondError(f.ID, "rate_limited", "too many invokes, slow down")
		return
	}

	inv := &Invoke{
		ID:         f.ID,
		Command:    f.Command,
		Args:       f.Args,
		Kind:       ClassifyKind(f.Command),
		ReceivedAt: time.Now(),
	}

	evicted, err := b.queue.Put(inv)
	if err != nil {
		b.respondError(f.ID, "duplicate_invoke", err.Error())
		return
	}
	for _, old := range evicted {
		if b.metrics != nil {
			b.metrics.InvokesEvicted.Inc()
		}
		b.log.Warn("evicted pending invoke under queue pressure",
			logging.KeyInvokeID, old.ID,
			logging.KeyCommand, old.Command)
		b.respondError(old.ID, "evicted", "invoke evicted before a decision was made")
	}

	if b.metrics != nil {
		b.metrics.RecordInvokeQueued(b.queue.Len())
	}
	b.log.Info("invoke queued",
		logging.KeyInvokeID, inv.ID,
		logging.KeyCommand, inv.Command,
		"kind", string(inv.Kind))

	if b.OnPending != nil {
		b.OnPending(inv)
	}

	if b.cfg.AutoApproveReads && inv.Kind == KindRead {
		go func() {
			if _, err := b.Approve(context.Background(), inv.ID); err != nil {
				b.log.Warn("auto-approval failed",
					logging.KeyInvokeID, inv.ID,
					logging.KeyError, err)
			}
		}()
		return
	}

	if b.cfg.ApprovalTimeout > 0 {
		go b.expireAfter(inv, b.cfg.ApprovalTimeout)
	}
}

// Approve consumes the pending invoke, executes it in the sandbox, answers
// the remote request, and returns the result locally. A second Approve on
// the same ID fails: the queue entry is consumed exactly once.
func (b *Broker) Approve(ctx context.Context, id string) (json.RawMessage, error) {
	inv, ok := b.queue.Take(id)
	if !ok {
		return nil, fmt.Errorf("no pending invoke %s", id)
	}

	payload, err := b.sandbox.Execute(ctx, inv)
	if err != nil {
		if b.metrics != nil {
			b.metrics.RecordInvokeResolved("failed", b.queue.Len())
		}
		b.respondError(id, "execution_failed", err.Error())
		return nil, err
	}

	if b.metrics != nil {
		b.metrics.RecordInvokeResolved("approved", b.queue.Len())
	}
	if sendErr := b.out.SendFrame(protocol.NewResponse(id, payload)); sendErr != nil {
		b.log.Warn("failed to send invoke result",
			logging.KeyInvokeID, id,
			logging.KeyError, sendErr)
	}
	return payload, nil
}

// Reject consumes the pending invoke and answers the remote request with a
// failure carrying the reason.
func (b *Broker) Reject(id, reason string) error {
	if _, ok := b.queue.Take(id); !ok {
		return fmt.Errorf("no pending invoke %s", id)
	}

	if b.metrics != nil {
		b.metrics.RecordInvokeResolved("rejected", b.queue.Len())
	}
	b.log.Info("invoke rejected",
		logging.KeyInvokeID, id,
		logging.KeyReason, reason)
	b.respondError(id, "rejected", reason)
	return nil
}

// Pending returns a snapshot of queued invokes in insertion order.
func (b *Broker) Pending() []*Invoke {
	return b.queue.List()
}

// Clear drops all pending invokes without answering them. Used on session
// teardown, where the remote requests are already dead.
func (b *Broker) Clear() {
	dropped := b.queue.Clear()
	if len(dropped) > 0 {
		b.log.Info("cleared pending invokes", logging.KeyCount, len(dropped))
	}
	if b.metrics != nil {
		b.metrics.InvokeQueueSize.Set(0)
	}
}

// expireAfter auto-rejects an invoke still pending after the timeout. The
// timer is bound to this exact invoke: a later request that legally reuses
// the ID after this one resolves is not touched by the stale timer.
func (b *Broker) expireAfter(inv *Invoke, timeout time.Duration) {
	time.Sleep(timeout)
	if !b.queue.TakeExact(inv) {
		return
	}
	if b.metrics != nil {
		b.metrics.RecordInvokeResolved("rejected", b.queue.Len())
	}
	b.log.Info("invoke auto-rejected after approval timeout",
		logging.KeyInvokeID, inv.ID)
	b.respondError(inv.ID, "rejected", "approval timed out")
}

func (b *Broker) respondError(id, code, message string) {
	if id == "" {
		return
	}
	if err := b.out.SendFrame(protocol.NewErrorResponse(id, code, message)); err != nil {
		b.log.Warn("failed to send error response",
			logging.KeyInvokeID, id,
			logging.KeyError, err)
	}
}
