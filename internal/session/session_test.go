package session

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/perchd/gatelink/internal/protocol"
)

// testGateway drives the far end of a net.Pipe as a fake gateway speaking
// the line-delimited encoding.
type testGateway struct {
	t    *testing.T
	conn FrameConn
}

func newTestPair(t *testing.T, opts Options) (*Session, *testGateway) {
	t.Helper()

	local, remote := net.Pipe()
	s := New(NewLineConn(local), opts)
	g := &testGateway{t: t, conn: NewLineConn(remote)}

	t.Cleanup(func() {
		_ = s.Disconnect()
		_ = g.conn.Close()
	})
	return s, g
}

func (g *testGateway) readFrame() *protocol.Frame {
	g.t.Helper()
	data, err := g.conn.ReadFrame()
	if err != nil {
		g.t.Fatalf("gateway read: %v", err)
	}
	f, err := protocol.Decode(data)
	if err != nil {
		g.t.Fatalf("gateway decode: %v", err)
	}
	return f
}

func (g *testGateway) send(f *protocol.Frame) {
	g.t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		g.t.Fatalf("gateway encode: %v", err)
	}
	if err := g.conn.WriteFrame(data); err != nil {
		g.t.Fatalf("gateway write: %v", err)
	}
}

func (g *testGateway) sendRaw(line string) {
	g.t.Helper()
	if err := g.conn.WriteFrame([]byte(line)); err != nil {
		g.t.Fatalf("gateway write raw: %v", err)
	}
}

func TestCall_RoundTrip(t *testing.T) {
	s, g := newTestPair(t, Options{})

	go func() {
		f := g.readFrame()
		if f.Type != protocol.TypeRequest || f.Method != "status" {
			g.t.Errorf("gateway saw frame %+v", f)
		}
		g.send(protocol.NewResponse(f.ID, json.RawMessage(`{"state":"ready"}`)))
	}()

	payload, err := s.Call(context.Background(), "status", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !strings.Contains(string(payload), "ready") {
		t.Errorf("payload = %s", payload)
	}
}

func TestCall_ConcurrentOutOfOrderResponses(t *testing.T) {
	s, g := newTestPair(t, Options{})

	// Respond to the two requests in reverse arrival order.
	go func() {
		first := g.readFrame()
		second := g.readFrame()
		g.send(protocol.NewResponse(second.ID, json.RawMessage(`{"for":"`+second.Method+`"}`)))
		g.send(protocol.NewResponse(first.ID, json.RawMessage(`{"for":"`+first.Method+`"}`)))
	}()

	type result struct {
		method  string
		payload json.RawMessage
		err     error
	}
	results := make(chan result, 2)

	call := func(method string) {
		payload, err := s.Call(context.Background(), method, nil)
		results <- result{method, payload, err}
	}
	go call("alpha")
	// The pipe is unbuffered, so give the first write a moment to land
	// before the second, keeping arrival order deterministic.
	time.Sleep(20 * time.Millisecond)
	go call("beta")

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Call(%s) error = %v", r.method, r.err)
		}
		if !strings.Contains(string(r.payload), r.method) {
			t.Errorf("Call(%s) payload = %s, correlation broken", r.method, r.payload)
		}
	}
}

func TestCall_Timeout(t *testing.T) {
	s, g := newTestPair(t, Options{RequestTimeout: 50 * time.Millisecond})

	go func() {
		g.readFrame() // swallow the request, never respond
	}()

	_, err := s.Call(context.Background(), "status", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call() error = %v, want ErrTimeout", err)
	}
	if errors.Is(err, ErrConnectionLost) {
		t.Error("timeout must not be reported as connection loss")
	}
	if n := s.PendingRequests(); n != 0 {
		t.Errorf("PendingRequests() = %d after timeout, want 0", n)
	}
	if !s.IsConnected() {
		t.Error("a single timed-out request must not sever the session")
	}
}

func TestCall_ConnectionLost(t *testing.T) {
	s, g := newTestPair(t, Options{})

	go func() {
		g.readFrame()
		_ = g.conn.Close()
	}()

	_, err := s.Call(context.Background(), "status", nil)
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Call() error = %v, want ErrConnectionLost", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("connection loss must not be reported as timeout")
	}
	if s.IsConnected() {
		t.Error("session still reports connected after transport death")
	}
}

func TestCall_ErrorResponse(t *testing.T) {
	s, g := newTestPair(t, Options{})

	go func() {
		f := g.readFrame()
		g.send(protocol.NewErrorResponse(f.ID, "policy_denied", "not allowed"))
	}()

	_, err := s.Call(context.Background(), "status", nil)
	if err == nil {
		t.Fatal("Call() = nil error for failure response")
	}
	if !strings.Contains(err.Error(), "policy_denied") {
		t.Errorf("Call() error = %v, want error code surfaced", err)
	}
	// A failure response is an answer, not a fault.
	if !s.IsConnected() {
		t.Error("failure response severed the session")
	}
}

func TestCall_NotConnected(t *testing.T) {
	s, _ := newTestPair(t, Options{})
	_ = s.Disconnect()

	_, err := s.Call(context.Background(), "status", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Call() error = %v, want ErrNotConnected", err)
	}
}

func TestPing_AnsweredWithEchoedID(t *testing.T) {
	_, g := newTestPair(t, Options{})

	g.send(&protocol.Frame{Type: protocol.TypePing, ID: "p-9"})

	pong := g.readFrame()
	if pong.Type != protocol.TypePong {
		t.Fatalf("reply type = %s, want pong", pong.Type)
	}
	if pong.ID != "p-9" {
		t.Errorf("pong ID = %q, want echo of ping ID", pong.ID)
	}
}

func TestMalformedFrame_DoesNotSeverSession(t *testing.T) {
	s, g := newTestPair(t, Options{})

	g.sendRaw("this is not json")
	g.sendRaw(`{"id":"no-type"}`)

	// The session must still answer a ping after swallowing garbage.
	g.send(&protocol.Frame{Type: protocol.TypePing, ID: "after"})
	pong := g.readFrame()
	if pong.Type != protocol.TypePong || pong.ID != "after" {
		t.Fatalf("reply = %+v, want pong echo", pong)
	}
	if !s.IsConnected() {
		t.Error("malformed frames severed the session")
	}
}

func TestUnknownResponseID_Dropped(t *testing.T) {
	s, g := newTestPair(t, Options{})

	g.send(protocol.NewResponse("never-sent", json.RawMessage(`{}`)))

	// Session still functions normally afterwards.
	go func() {
		f := g.readFrame()
		g.send(protocol.NewResponse(f.ID, json.RawMessage(`{"ok":true}`)))
	}()
	if _, err := s.Call(context.Background(), "status", nil); err != nil {
		t.Fatalf("Call() after stray response error = %v", err)
	}
	if !s.IsConnected() {
		t.Error("stray response severed the session")
	}
}

func TestOnInvoke_Dispatched(t *testing.T) {
	invokes := make(chan *protocol.Frame, 1)
	_, g := newTestPair(t, Options{
		OnInvoke: func(f *protocol.Frame) { invokes <- f },
	})

	g.send(&protocol.Frame{
		Type:    protocol.TypeRequest,
		ID:      "inv-1",
		Command: "read_file",
		Args:    json.RawMessage(`{"path":"notes.txt"}`),
	})

	select {
	case f := <-invokes:
		if f.Command != "read_file" || f.ID != "inv-1" {
			t.Errorf("invoke = %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("invoke never dispatched")
	}
}

func TestRequestWithoutCommand_Refused(t *testing.T) {
	_, g := newTestPair(t, Options{})

	g.send(&protocol.Frame{Type: protocol.TypeRequest, ID: "r-1", Method: "whatever"})

	reply := g.readFrame()
	if reply.Type != protocol.TypeResponse || reply.IsOK() {
		t.Fatalf("reply = %+v, want failure response", reply)
	}
	if reply.ID != "r-1" {
		t.Errorf("reply ID = %q, want r-1", reply.ID)
	}
}

func TestOnEvent_Dispatched(t *testing.T) {
	events := make(chan string, 2)
	_, g := newTestPair(t, Options{
		OnEvent: func(event string, _ json.RawMessage) { events <- event },
	})

	g.send(&protocol.Frame{
		Type:    protocol.TypeEvent,
		Event:   protocol.EventChat,
		Payload: json.RawMessage(`{"text":"hi","final":false}`),
	})

	select {
	case ev := <-events:
		if ev != protocol.EventChat {
			t.Errorf("event = %q, want %q", ev, protocol.EventChat)
		}
	case <-time.After(time.Second):
		t.Fatal("event never dispatched")
	}
}

func TestErrorFrame_SurfacedWithoutDisconnect(t *testing.T) {
	events := make(chan string, 1)
	s, g := newTestPair(t, Options{
		OnEvent: func(event string, _ json.RawMessage) { events <- event },
	})

	g.send(&protocol.Frame{Type: protocol.TypeError, Message: "slow down"})

	select {
	case ev := <-events:
		if ev != protocol.TypeError {
			t.Errorf("event = %q, want error notification", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("error frame never surfaced")
	}
	if !s.IsConnected() {
		t.Error("gateway error frame severed the session")
	}
}

func TestDisconnect_IdempotentAndNotifiesOnce(t *testing.T) {
	var fired atomic.Int32
	s, _ := newTestPair(t, Options{
		OnDisconnect: func(error) { fired.Add(1) },
	})

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}

	// The read loop also observes the close; wait for it to settle.
	time.Sleep(50 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Errorf("OnDisconnect fired %d times, want 1", n)
	}
}

func TestTeardown_FailsAllPendingWaiters(t *testing.T) {
	s, g := newTestPair(t, Options{})

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := s.Call(context.Background(), "status", nil)
			errs <- err
		}()
	}

	// Drain the three requests, then kill the link.
	for i := 0; i < 3; i++ {
		g.readFrame()
	}
	_ = g.conn.Close()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrConnectionLost) {
				t.Errorf("waiter error = %v, want ErrConnectionLost", err)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter never released on teardown")
		}
	}
	if n := s.PendingRequests(); n != 0 {
		t.Errorf("PendingRequests() = %d after teardown, want 0", n)
	}
}
