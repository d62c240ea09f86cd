package lightstreamer

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport driven by a preloaded queue
// of ingress frames, recording every egress frame written to it. It
// stands in for the real WS_STREAMING transport in driver tests, the
// way the core's design (§6) intends any Transport implementation to.
type fakeTransport struct {
	mu     sync.Mutex
	frames chan string
	out    []string
	closed chan struct{}
}

func newFakeTransport(ingress ...string) *fakeTransport {
	t := &fakeTransport{
		frames: make(chan string, len(ingress)+16),
		closed: make(chan struct{}),
	}
	for _, f := range ingress {
		t.frames <- f
	}
	return t
}

func (t *fakeTransport) push(frame string) { t.frames <- frame }

func (t *fakeTransport) ReadFrame(ctx context.Context) (string, error) {
	select {
	case f := <-t.frames:
		return f, nil
	case <-t.closed:
		return "", newTransportError("fake transport closed", nil)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *fakeTransport) WriteFrame(ctx context.Context, frame string) error {
	t.mu.Lock()
	t.out = append(t.out, frame)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}

func (t *fakeTransport) written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.out...)
}

// recordingSubListener records every SubscriptionListener callback in
// invocation order, for asserting §8's scenario ordering.
type recordingSubListener struct {
	mu         sync.Mutex
	events     []string
	update     chan ItemUpdate
	errCode    int
	errMessage string
}

func newRecordingSubListener() *recordingSubListener {
	return &recordingSubListener{update: make(chan ItemUpdate, 16)}
}

func (l *recordingSubListener) record(ev string) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *recordingSubListener) OnSubscription()      { l.record("subscription") }
func (l *recordingSubListener) OnUnsubscription()     { l.record("unsubscription") }
func (l *recordingSubListener) OnItemUpdate(u ItemUpdate) {
	l.record("update")
	l.update <- u
}
func (l *recordingSubListener) OnEndOfSnapshot(item int)         { l.record("eos") }
func (l *recordingSubListener) OnClearSnapshot(item int)         { l.record("cs") }
func (l *recordingSubListener) OnItemLostUpdates(item, lost int) { l.record("lost") }
func (l *recordingSubListener) OnSubscriptionError(code int, msg string) {
	l.mu.Lock()
	l.errCode, l.errMessage = code, msg
	l.mu.Unlock()
	l.record("error")
}

func (l *recordingSubListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func dialFake(transport *fakeTransport) TransportFactory {
	return func(serverURL string, headers http.Header) (Transport, error) {
		return transport, nil
	}
}

func TestScenario_S1_HappyPathSubscribe(t *testing.T) {
	transport := newFakeTransport(
		"WSOK",
		"CONOK,S1,50000,5000,*",
		"SUBOK,1,2,3",
		"U,1,1,A|B|C",
		"U,1,1,|D|",
		"EOS,1,1",
	)

	client, err := NewClient("ws://example.invalid", "DEMO", "", "", ClientConfig{
		TransportFactory: dialFake(transport),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	sub, err := NewSubscription(ModeMerge, []string{"Item1", "Item2"}, "", []string{"f1", "f2", "f3"}, "")
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	listener := newRecordingSubListener()
	sub.AddListener(listener)
	if _, err := client.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := client.Connect(nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var updates []ItemUpdate
	for len(updates) < 2 {
		select {
		case u := <-listener.update:
			updates = append(updates, u)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for item updates")
		}
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	events := listener.snapshot()
	if len(events) < 3 || events[0] != "subscription" || events[1] != "update" || events[2] != "update" {
		t.Fatalf("unexpected event order: %v", events)
	}

	sawAdd := false
	for _, egress := range transport.written() {
		if strings.Contains(egress, "LS_op=add") && strings.Contains(egress, "LS_id=Item1+Item2") {
			sawAdd = true
		}
	}
	if !sawAdd {
		t.Errorf("expected a control/add request carrying LS_id, got: %v", transport.written())
	}

	first := updates[0]
	if !first.IsSnapshot {
		t.Error("first update should be a snapshot")
	}
	if *first.Values["f1"] != "A" || *first.Values["f2"] != "B" || *first.Values["f3"] != "C" {
		t.Errorf("unexpected first update values: %+v", first.Values)
	}
	if len(first.Changed) != 3 {
		t.Errorf("expected all 3 fields changed, got %v", first.Changed)
	}

	second := updates[1]
	if !second.IsSnapshot {
		t.Error("second update should still be a snapshot (before EOS)")
	}
	if *second.Values["f2"] != "D" {
		t.Errorf("expected f2=D, got %+v", second.Values)
	}
	if len(second.Changed) != 1 || !second.Changed["f2"] {
		t.Errorf("expected only f2 changed, got %v", second.Changed)
	}
}

func TestScenario_S6_REQERRDispatchesSubscriptionErrorAndSparesOthers(t *testing.T) {
	transport := newFakeTransport(
		"WSOK",
		"CONOK,S1,50000,5000,*",
		"REQERR,1,21,Items group not found",
		"SUBOK,2,1,1",
		"U,2,1,ok",
	)
	client, err := NewClient("ws://example.invalid", "DEMO", "", "", ClientConfig{
		TransportFactory: dialFake(transport),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	rejected, _ := NewSubscription(ModeMerge, []string{"BadItem"}, "", []string{"f1"}, "")
	rejectedListener := newRecordingSubListener()
	rejected.AddListener(rejectedListener)
	rejectedID, err := client.Subscribe(rejected)
	if err != nil {
		t.Fatalf("Subscribe(rejected): %v", err)
	}

	ok, _ := NewSubscription(ModeMerge, []string{"GoodItem"}, "", []string{"f1"}, "")
	okListener := newRecordingSubListener()
	ok.AddListener(okListener)
	if _, err := client.Subscribe(ok); err != nil {
		t.Fatalf("Subscribe(ok): %v", err)
	}

	if err := client.Connect(nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case u := <-okListener.update:
		if *u.Values["f1"] != "ok" {
			t.Errorf("unexpected value for unaffected subscription: %+v", u.Values)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the unaffected subscription's update")
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	rejectedEvents := rejectedListener.snapshot()
	if len(rejectedEvents) != 1 || rejectedEvents[0] != "error" {
		t.Fatalf("rejected subscription events = %v, want [error]", rejectedEvents)
	}
	if rejectedListener.errCode != 21 || rejectedListener.errMessage != "Items group not found" {
		t.Errorf("got OnSubscriptionError(%d, %q), want (21, %q)",
			rejectedListener.errCode, rejectedListener.errMessage, "Items group not found")
	}
	if !rejected.invalid {
		t.Error("expected the rejected subscription to be marked invalid")
	}
	if client.registry.get(rejectedID) != nil {
		t.Error("expected the rejected subscription to be dropped from the registry")
	}

	okEvents := okListener.snapshot()
	if len(okEvents) < 2 || okEvents[0] != "subscription" || okEvents[1] != "update" {
		t.Fatalf("unaffected subscription events = %v, want [subscription update ...]", okEvents)
	}
}

func TestScenario_S5_UnknownTagIsIgnored(t *testing.T) {
	transport := newFakeTransport(
		"WSOK",
		"CONOK,S1,50000,5000,*",
		"SUBOK,1,1,1",
		"FOOBAR,1,2,3",
		"U,1,1,hello",
	)
	client, err := NewClient("ws://example.invalid", "DEMO", "", "", ClientConfig{
		TransportFactory: dialFake(transport),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	sub, _ := NewSubscription(ModeMerge, []string{"Item1"}, "", []string{"f1"}, "")
	listener := newRecordingSubListener()
	sub.AddListener(listener)
	if _, err := client.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := client.Connect(nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case u := <-listener.update:
		if *u.Values["f1"] != "hello" {
			t.Errorf("unexpected value: %+v", u.Values)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update after unknown tag")
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if client.Status() != StatusDisconnected {
		t.Errorf("expected DISCONNECTED after disconnect, got %s", client.Status())
	}
}
