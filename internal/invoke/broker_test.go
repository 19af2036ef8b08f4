package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/perchd/gatelink/internal/protocol"
)

// frameSink captures response frames the broker sends back.
type frameSink struct {
	mu     sync.Mutex
	frames []*protocol.Frame
}

func (s *frameSink) SendFrame(f *protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *frameSink) byID(id string) *protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		if f.ID == id {
			return f
		}
	}
	return nil
}

func (s *frameSink) countByID(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if f.ID == id {
			n++
		}
	}
	return n
}

func (s *frameSink) waitByID(t *testing.T, id string) *protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f := s.byID(id); f != nil {
			return f
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no response frame for %s", id)
	return nil
}

func newTestBroker(t *testing.T, cfg BrokerConfig) (*Broker, *frameSink, string) {
	t.Helper()
	root := t.TempDir()
	sandbox := newTestSandbox(t, root, nil)
	sink := &frameSink{}
	// Disable the approval timeout unless the test opts in.
	if cfg.ApprovalTimeout == 0 {
		cfg.ApprovalTimeout = -1
	}
	return NewBroker(cfg, sandbox, sink, nil, nil), sink, root
}

func invokeFrame(id, command string, args any) *protocol.Frame {
	raw, _ := json.Marshal(args)
	return &protocol.Frame{
		Type:    protocol.TypeRequest,
		ID:      id,
		Command: command,
		Args:    raw,
	}
}

func TestBroker_ApproveExecutesAndResponds(t *testing.T) {
	b, sink, root := newTestBroker(t, BrokerConfig{})
	target := filepath.Join(root, "f.txt")
	if err := os.WriteFile(target, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}

	b.HandleFrame(invokeFrame("i1", CmdReadFile, pathArgs{Path: target}))
	if len(b.Pending()) != 1 {
		t.Fatalf("pending = %d, want 1", len(b.Pending()))
	}

	payload, err := b.Approve(context.Background(), "i1")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if !strings.Contains(string(payload), "data") {
		t.Errorf("payload = %s", payload)
	}

	res := sink.waitByID(t, "i1")
	if !res.IsOK() {
		t.Errorf("remote response not ok: %+v", res)
	}
}

func TestBroker_ApproveTwiceFails(t *testing.T) {
	b, _, root := newTestBroker(t, BrokerConfig{})
	target := filepath.Join(root, "f.txt")
	if err := os.WriteFile(target, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}

	b.HandleFrame(invokeFrame("i1", CmdReadFile, pathArgs{Path: target}))

	if _, err := b.Approve(context.Background(), "i1"); err != nil {
		t.Fatalf("first Approve() error = %v", err)
	}
	_, err := b.Approve(context.Background(), "i1")
	if err == nil || !strings.Contains(err.Error(), "no pending invoke") {
		t.Fatalf("second Approve() error = %v, want no-pending-invoke", err)
	}
}

func TestBroker_ApproveSensitivePath(t *testing.T) {
	b, sink, _ := newTestBroker(t, BrokerConfig{})

	b.HandleFrame(invokeFrame("x1", CmdReadFile, pathArgs{Path: "~/.ssh/id_rsa"}))

	_, err := b.Approve(context.Background(), "x1")
	if err == nil || !strings.Contains(err.Error(), "sensitive") {
		t.Fatalf("Approve() error = %v, want sensitive-path refusal", err)
	}

	// The remote side sees a structured failure, not a dropped request.
	res := sink.waitByID(t, "x1")
	if res.IsOK() || res.Error == nil {
		t.Errorf("remote response = %+v, want failure", res)
	}
}

func TestBroker_Reject(t *testing.T) {
	b, sink, _ := newTestBroker(t, BrokerConfig{})

	b.HandleFrame(invokeFrame("r1", CmdWriteFile, writeFileArgs{Path: "/tmp/x", Content: "y"}))

	if err := b.Reject("r1", "operator said no"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	res := sink.waitByID(t, "r1")
	if res.IsOK() || res.Error == nil || !strings.Contains(res.Error.Message, "operator said no") {
		t.Errorf("remote response = %+v", res)
	}

	// Rejecting again reports not-found.
	if err := b.Reject("r1", "again"); err == nil {
		t.Error("second Reject() succeeded")
	}
}

func TestBroker_EvictionAnswersEvictedRequests(t *testing.T) {
	b, sink, _ := newTestBroker(t, BrokerConfig{QueueCapacity: 2})

	for i := 0; i < 3; i++ {
		b.HandleFrame(invokeFrame(fmt.Sprintf("e%d", i), CmdWriteFile, writeFileArgs{Path: "/tmp/x"}))
	}

	if n := len(b.Pending()); n != 2 {
		t.Fatalf("pending = %d, want 2", n)
	}

	// The oldest invoke was evicted and its remote request answered.
	res := sink.waitByID(t, "e0")
	if res.IsOK() || res.Error == nil || res.Error.Code != "evicted" {
		t.Errorf("evicted response = %+v", res)
	}
}

func TestBroker_RateLimit(t *testing.T) {
	b, sink, _ := newTestBroker(t, BrokerConfig{RatePerMinute: 1})

	b.HandleFrame(invokeFrame("a1", CmdWriteFile, writeFileArgs{Path: "/tmp/x"}))
	b.HandleFrame(invokeFrame("a2", CmdWriteFile, writeFileArgs{Path: "/tmp/x"}))

	if n := len(b.Pending()); n != 1 {
		t.Fatalf("pending = %d, want 1 (second intake rate limited)", n)
	}
	res := sink.waitByID(t, "a2")
	if res.IsOK() || res.Error == nil || res.Error.Code != "rate_limited" {
		t.Errorf("rate-limited response = %+v", res)
	}
}

func TestBroker_AutoApproveReads(t *testing.T) {
	root := t.TempDir()
	sandbox := newTestSandbox(t, root, nil)
	sink := &frameSink{}
	b := NewBroker(BrokerConfig{AutoApproveReads: true, ApprovalTimeout: -1}, sandbox, sink, nil, nil)

	target := filepath.Join(root, "auto.txt")
	if err := os.WriteFile(target, []byte("auto"), 0600); err != nil {
		t.Fatal(err)
	}

	b.HandleFrame(invokeFrame("ar1", CmdReadFile, pathArgs{Path: target}))

	res := sink.waitByID(t, "ar1")
	if !res.IsOK() {
		t.Errorf("auto-approved response = %+v", res)
	}

	// Writes are never auto-approved.
	b.HandleFrame(invokeFrame("aw1", CmdWriteFile, writeFileArgs{Path: target, Content: "x"}))
	time.Sleep(50 * time.Millisecond)
	if _, ok := b.queue.Get("aw1"); !ok {
		t.Error("write invoke was not left pending")
	}
}

func TestBroker_ApprovalTimeoutAutoRejects(t *testing.T) {
	b, sink, _ := newTestBroker(t, BrokerConfig{ApprovalTimeout: 50 * time.Millisecond})

	b.HandleFrame(invokeFrame("t1", CmdWriteFile, writeFileArgs{Path: "/tmp/x"}))

	res := sink.waitByID(t, "t1")
	if res.IsOK() || res.Error == nil || !strings.Contains(res.Error.Message, "timed out") {
		t.Errorf("auto-reject response = %+v", res)
	}
	if _, ok := b.queue.Get("t1"); ok {
		t.Error("invoke still pending after approval timeout")
	}
}

func TestBroker_ReusedIDNotExpiredByEarlierTimer(t *testing.T) {
	b, sink, _ := newTestBroker(t, BrokerConfig{ApprovalTimeout: 100 * time.Millisecond})

	// First invoke under u1 is rejected well before its timer fires; the
	// ID is then free for the gateway to reuse.
	b.HandleFrame(invokeFrame("u1", CmdWriteFile, writeFileArgs{Path: "/tmp/x"}))
	if err := b.Reject("u1", "operator said no"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	b.HandleFrame(invokeFrame("u1", CmdWriteFile, writeFileArgs{Path: "/tmp/y"}))

	// The first invoke's timer fires around 100ms. The reused invoke must
	// survive it and run out its own clock instead.
	time.Sleep(70 * time.Millisecond)
	if _, ok := b.queue.Get("u1"); !ok {
		t.Fatal("reused invoke consumed by the earlier invoke's timer")
	}
	if n := sink.countByID("u1"); n != 1 {
		t.Fatalf("responses for u1 = %d before the reused invoke's own deadline, want 1", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sink.countByID("u1") < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if n := sink.countByID("u1"); n != 2 {
		t.Fatalf("responses for u1 = %d, want the reused invoke auto-rejected on its own deadline", n)
	}
	if _, ok := b.queue.Get("u1"); ok {
		t.Error("reused invoke still pending after its own approval timeout")
	}
}

func TestBroker_MalformedInvokeAnswered(t *testing.T) {
	b, sink, _ := newTestBroker(t, BrokerConfig{})

	b.HandleFrame(&protocol.Frame{Type: protocol.TypeInvoke, ID: "m1"})

	res := sink.waitByID(t, "m1")
	if res.IsOK() || res.Error == nil || res.Error.Code != "invalid_invoke" {
		t.Errorf("response = %+v", res)
	}
	if n := len(b.Pending()); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestBroker_Clear(t *testing.T) {
	b, _, _ := newTestBroker(t, BrokerConfig{})

	b.HandleFrame(invokeFrame("c1", CmdWriteFile, writeFileArgs{Path: "/tmp/x"}))
	b.HandleFrame(invokeFrame("c2", CmdWriteFile, writeFileArgs{Path: "/tmp/x"}))

	b.Clear()
	if n := len(b.Pending()); n != 0 {
		t.Errorf("pending = %d after Clear, want 0", n)
	}
}
