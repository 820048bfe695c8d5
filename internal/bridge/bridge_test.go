package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/meszmate/jabber-mcp/internal/addrbook"
	"github.com/meszmate/jabber-mcp/internal/convert"
	"github.com/meszmate/jabber-mcp/internal/inbox"
	"github.com/meszmate/jabber-mcp/internal/logging"
)

// fakeClient implements Client in memory. Connect and Send consume
// scripted errors in order, then succeed.
type fakeClient struct {
	mu          sync.Mutex
	connectErrs []error
	sendErrs    []error
	sent        []string
	connects    int
	roster      []addrbook.RosterEntry
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		return err
	}
	return nil
}

func (c *fakeClient) Disconnect() error { return nil }

func (c *fakeClient) Send(ctx context.Context, stanza string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	c.sent = append(c.sent, stanza)
	return nil
}

func (c *fakeClient) Roster(ctx context.Context) ([]addrbook.RosterEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster, nil
}

func (c *fakeClient) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeClient) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeClient) sentStanzas() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeClient) setRoster(jid, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roster = append(c.roster, addrbook.RosterEntry{JID: jid, Name: name})
}

func (c *fakeClient) failNextSends(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErrs = append(c.sendErrs, errs...)
}

func testOptions() Options {
	return Options{
		IncomingSize:  20,
		OutgoingSize:  20,
		PrioritySize:  5,
		SendRetries:   3,
		SendBackoff:   time.Millisecond,
		DrainTimeout:  time.Second,
		ReconnectBase: time.Millisecond,
		ReconnectMax:  10 * time.Millisecond,
		NotifyBuffer:  32,
	}
}

func newTestBridge(t *testing.T, client Client) *Bridge {
	t.Helper()
	return newTestBridgeOpts(t, client, testOptions())
}

func newTestBridgeOpts(t *testing.T, client Client, opts Options) *Bridge {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error", Stderr: true})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	book := addrbook.New(filepath.Join(t.TempDir(), "book.json"), log)
	return New(client, book, inbox.New(50), opts, log)
}

func startTestBridge(t *testing.T, client Client) *Bridge {
	t.Helper()
	b := newTestBridge(t, client)
	b.Start()
	t.Cleanup(b.Stop)
	waitForState(t, b, StateConnected)
	return b
}

// waitNotification reads notifications until one with the wanted method
// arrives or the deadline passes.
func waitNotification(t *testing.T, b *Bridge, method string) Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-b.Notifications():
			if !ok {
				t.Fatalf("notification channel closed while waiting for %q", method)
			}
			if n.Method == method {
				return n
			}
		case <-deadline:
			t.Fatalf("no %q notification within deadline", method)
		}
	}
}

func TestSendMessageDelivered(t *testing.T) {
	client := &fakeClient{}
	b := startTestBridge(t, client)

	msg, err := convert.OutboundFromArgs(map[string]interface{}{
		"jid":  "alice@example.com",
		"body": "hello there",
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	id, err := b.SendMessage(msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" {
		t.Fatalf("expected an assigned message ID")
	}

	n := waitNotification(t, b, "delivery/ack")
	if n.Params["id"] != id {
		t.Fatalf("ack for wrong message: %v", n.Params["id"])
	}

	stanzas := client.sentStanzas()
	if len(stanzas) != 1 {
		t.Fatalf("expected one stanza, got %d", len(stanzas))
	}
	want := `<message to="alice@example.com" type="chat"><body>hello there</body></message>`
	if stanzas[0] != want {
		t.Fatalf("stanza mismatch:\n got %s\nwant %s", stanzas[0], want)
	}
}

func TestSendMessageRetriesThenAcks(t *testing.T) {
	client := &fakeClient{}
	client.failNextSends(fmt.Errorf("stream closed"), fmt.Errorf("stream closed"))
	b := startTestBridge(t, client)

	msg, _ := convert.OutboundFromArgs(map[string]interface{}{
		"jid": "bob@example.com", "body": "retry me",
	})
	id, err := b.SendMessage(msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	n := waitNotification(t, b, "delivery/ack")
	if n.Params["id"] != id {
		t.Fatalf("ack for wrong message: %v", n.Params["id"])
	}
	if client.sentCount() != 1 {
		t.Fatalf("expected exactly one delivered stanza, got %d", client.sentCount())
	}
}

func TestSendMessageNacksAfterRetriesExhausted(t *testing.T) {
	client := &fakeClient{}
	client.failNextSends(
		fmt.Errorf("stream closed"),
		fmt.Errorf("stream closed"),
		fmt.Errorf("stream closed"),
		fmt.Errorf("stream closed"),
	)
	b := startTestBridge(t, client)

	msg, _ := convert.OutboundFromArgs(map[string]interface{}{
		"jid": "bob@example.com", "body": "doomed",
	})
	id, err := b.SendMessage(msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	n := waitNotification(t, b, "delivery/nack")
	if n.Params["id"] != id {
		t.Fatalf("nack for wrong message: %v", n.Params["id"])
	}
	if n.Params["kind"] != KindSendFailed {
		t.Fatalf("expected %q nack, got %v", KindSendFailed, n.Params["kind"])
	}
}

func TestSendMessageFatalErrorNacksImmediately(t *testing.T) {
	client := &fakeClient{}
	client.failNextSends(fmt.Errorf("stanza rejected: %w", ErrFatalSend))
	b := startTestBridge(t, client)

	msg, _ := convert.OutboundFromArgs(map[string]interface{}{
		"jid": "bob@example.com", "body": "malformed",
	})
	if _, err := b.SendMessage(msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	n := waitNotification(t, b, "delivery/nack")
	if n.Params["kind"] != KindSendFailed {
		t.Fatalf("expected immediate send_failed nack, got %v", n.Params["kind"])
	}
	if client.sentCount() != 0 {
		t.Fatalf("fatal send should not be retried")
	}
}

func TestSendMessageRejectedWithoutClient(t *testing.T) {
	b := newTestBridge(t, nil)
	b.Start()
	defer b.Stop()

	msg, _ := convert.OutboundFromArgs(map[string]interface{}{
		"jid": "x@example.com", "body": "nope",
	})
	if _, err := b.SendMessage(msg); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestSendMessageBackpressure(t *testing.T) {
	opts := testOptions()
	opts.OutgoingSize = 10
	// A permanently failing connection keeps the worker in backoff while
	// the queue fills up.
	client := &fakeClient{connectErrs: make([]error, 0)}
	b := newTestBridgeOpts(t, client, opts)
	// Do not start workers: offers pile up against the raw queue.

	msg, _ := convert.OutboundFromArgs(map[string]interface{}{
		"jid": "x@example.com", "body": "fill",
	})

	accepted := 0
	var lastErr error
	for i := 0; i < 12; i++ {
		if _, err := b.SendMessage(msg); err != nil {
			lastErr = err
		} else {
			accepted++
		}
	}
	if accepted >= 12 {
		t.Fatalf("back-pressure never engaged")
	}
	if !errors.Is(lastErr, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", lastErr)
	}
	// Medium priority is cut off at the 90% tier.
	if accepted != 9 {
		t.Fatalf("expected 9 accepted medium sends, got %d", accepted)
	}
}

func TestHighPriorityUsesPriorityLane(t *testing.T) {
	client := &fakeClient{}
	b := newTestBridge(t, client)

	msg, _ := convert.OutboundFromArgs(map[string]interface{}{
		"jid": "x@example.com", "body": "urgent", "priority": "high",
	})
	if _, err := b.SendMessage(msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	_, out, pri := b.QueueDepths()
	if out != 0 || pri != 1 {
		t.Fatalf("expected priority lane to hold the message, outgoing=%d priority=%d", out, pri)
	}
}

func TestReceivedMessageLandsInInboxWithNotification(t *testing.T) {
	client := &fakeClient{}
	b := startTestBridge(t, client)

	body := "hello from the other side"
	b.HandleMessage("carol@example.com", body, "chat", time.Now())

	n := waitNotification(t, b, "inbox/new")
	if n.Params["from"] != "carol@example.com" {
		t.Fatalf("wrong sender in notification: %v", n.Params["from"])
	}
	if n.Params["body"] != body {
		t.Fatalf("short body should not be truncated: %v", n.Params["body"])
	}

	recs := b.inbox.List(0)
	if len(recs) != 1 || recs[0].Body != body {
		t.Fatalf("message not stored in inbox: %+v", recs)
	}
	if recs[0].UUID != n.Params["id"] {
		t.Fatalf("notification id does not match inbox record")
	}
}

func TestInboxNotificationTruncatesPreview(t *testing.T) {
	client := &fakeClient{}
	b := startTestBridge(t, client)

	long := ""
	for i := 0; i < 30; i++ {
		long += "0123456789"
	}
	b.HandleMessage("carol@example.com", long, "chat", time.Now())

	n := waitNotification(t, b, "inbox/new")
	got, _ := n.Params["body"].(string)
	if len(got) != 103 || got[100:] != "..." {
		t.Fatalf("preview not truncated to 100 chars: %d", len(got))
	}

	// The inbox keeps the full body.
	recs := b.inbox.List(0)
	if recs[0].Body != long {
		t.Fatalf("inbox body was truncated")
	}
}

func TestReceivedBodyStoredVerbatim(t *testing.T) {
	client := &fakeClient{}
	b := startTestBridge(t, client)

	// The transport edge already entity-decoded the body once; a user
	// who literally typed the entity text must see it preserved.
	literal := "&lt;b&gt;bold&lt;/b&gt;"
	b.HandleMessage("mallory@example.com", literal, "chat", time.Now())

	n := waitNotification(t, b, "inbox/new")
	if n.Params["body"] != literal {
		t.Fatalf("notification body mangled: %v", n.Params["body"])
	}
	recs := b.inbox.List(0)
	if len(recs) != 1 || recs[0].Body != literal {
		t.Fatalf("inbox body mangled: %+v", recs)
	}
}

func TestDegradedDefersNonPrioritySends(t *testing.T) {
	opts := testOptions()
	opts.DegradedDefer = 300 * time.Millisecond
	client := &fakeClient{}
	b := newTestBridgeOpts(t, client, opts)
	b.Start()
	t.Cleanup(b.Stop)
	waitForState(t, b, StateConnected)

	// Four straight failures push the window past 50% and trip the
	// degraded state.
	client.failNextSends(
		fmt.Errorf("stream closed"),
		fmt.Errorf("stream closed"),
		fmt.Errorf("stream closed"),
		fmt.Errorf("stream closed"),
	)
	msg, _ := convert.OutboundFromArgs(map[string]interface{}{
		"jid": "x@example.com", "body": "doomed",
	})
	if _, err := b.SendMessage(msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitNotification(t, b, "delivery/nack")
	if b.State() != StateDegraded {
		t.Fatalf("expected degraded after failure burst, got %v", b.State())
	}

	// Medium traffic waits out the defer interval.
	msg, _ = convert.OutboundFromArgs(map[string]interface{}{
		"jid": "x@example.com", "body": "slow lane",
	})
	start := time.Now()
	if _, err := b.SendMessage(msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitNotification(t, b, "delivery/ack")
	if elapsed := time.Since(start); elapsed < opts.DegradedDefer {
		t.Fatalf("medium send not deferred while degraded: %v", elapsed)
	}

	// The priority lane is unaffected.
	high, _ := convert.OutboundFromArgs(map[string]interface{}{
		"jid": "x@example.com", "body": "urgent", "priority": "high",
	})
	start = time.Now()
	if _, err := b.SendMessage(high); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitNotification(t, b, "delivery/ack")
	if elapsed := time.Since(start); elapsed >= opts.DegradedDefer {
		t.Fatalf("high-priority send was deferred: %v", elapsed)
	}

	// Enough successes dilute the failure rate and the state recovers.
	for i := 0; i < 2; i++ {
		h, _ := convert.OutboundFromArgs(map[string]interface{}{
			"jid": "x@example.com", "body": "recovering", "priority": "high",
		})
		if _, err := b.SendMessage(h); err != nil {
			t.Fatalf("send: %v", err)
		}
		waitNotification(t, b, "delivery/ack")
	}
	waitForState(t, b, StateConnected)
}

func TestPreviewKeepsRuneBoundaries(t *testing.T) {
	long := strings.Repeat("é", 80)
	got := preview(long, 99)

	if !utf8.ValidString(got) {
		t.Fatalf("preview split a rune: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncation marker: %q", got)
	}
	if len(got) > 99+len("...") {
		t.Fatalf("preview longer than requested: %d bytes", len(got))
	}
}

func TestPresenceFansOut(t *testing.T) {
	client := &fakeClient{}
	b := startTestBridge(t, client)

	b.HandlePresence("dave@example.com", "away")
	n := waitNotification(t, b, "presence/changed")
	if n.Params["from"] != "dave@example.com" || n.Params["state"] != "away" {
		t.Fatalf("unexpected presence params: %v", n.Params)
	}
}

func TestRosterPushSyncsAddressBook(t *testing.T) {
	client := &fakeClient{}
	b := startTestBridge(t, client)

	b.HandleRoster([]addrbook.RosterEntry{{JID: "erin@example.com", Name: "Erin"}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if jid, err := b.book.Resolve("erin"); err == nil && jid == "erin@example.com" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("roster push never reached the address book")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopDrainsOutgoing(t *testing.T) {
	client := &fakeClient{}
	b := newTestBridge(t, client)
	b.state.Store(int32(StateConnected))

	// Workers never started: the message stays queued until the shutdown
	// drain flushes it.
	msg, _ := convert.OutboundFromArgs(map[string]interface{}{
		"jid": "x@example.com", "body": "late",
	})
	msg.ID = "late-1"
	b.outgoing.Offer(msg, msg.Priority)
	b.drainOutgoing()

	found := false
	for _, s := range client.sentStanzas() {
		if s == msg.Stanza() {
			found = true
		}
	}
	if !found {
		t.Fatalf("drain did not flush the leftover message")
	}
	n := waitNotification(t, b, "delivery/ack")
	if n.Params["id"] != "late-1" {
		t.Fatalf("ack for wrong message: %v", n.Params["id"])
	}
}

func TestStopFoldsIncomingIntoInbox(t *testing.T) {
	client := &fakeClient{}
	b := newTestBridge(t, client)
	// Workers never started: the event stays queued until Stop drains it.
	b.incoming.Offer(event{
		kind: eventMessage,
		msg:  convert.ReceivedFromStanza("frank@example.com", "last words", "chat", time.Now()),
	}, convert.PriorityMedium)

	b.drainIncoming()
	recs := b.inbox.List(0)
	if len(recs) != 1 || recs[0].From != "frank@example.com" {
		t.Fatalf("incoming message lost on shutdown: %+v", recs)
	}
}

func TestNotifyDropsOldestWhenFull(t *testing.T) {
	opts := testOptions()
	opts.NotifyBuffer = 2
	b := newTestBridgeOpts(t, &fakeClient{}, opts)

	b.notify("a", nil)
	b.notify("b", nil)
	b.notify("c", nil) // evicts "a"

	first := <-b.Notifications()
	second := <-b.Notifications()
	if first.Method != "b" || second.Method != "c" {
		t.Fatalf("expected oldest dropped, got %q then %q", first.Method, second.Method)
	}
}

func TestIncomingWorkerSurvivesBadEvent(t *testing.T) {
	client := &fakeClient{}
	b := startTestBridge(t, client)

	// A message without a sender is rejected without killing the worker.
	b.incoming.Offer(event{kind: eventMessage}, convert.PriorityMedium)
	b.HandleMessage("grace@example.com", "still alive", "chat", time.Now())

	n := waitNotification(t, b, "inbox/new")
	if n.Params["from"] != "grace@example.com" {
		t.Fatalf("worker did not recover: %v", n.Params)
	}
}
