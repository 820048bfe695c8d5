// Package bridge routes messages between an XMPP session and the MCP
// tool surface through two bounded queues with back-pressure,
// prioritization and bounded retry.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/meszmate/jabber-mcp/internal/addrbook"
	"github.com/meszmate/jabber-mcp/internal/convert"
	"github.com/meszmate/jabber-mcp/internal/inbox"
	"github.com/meszmate/jabber-mcp/internal/logging"
)

// Client is the capability set the bridge needs from an XMPP client.
// Connect blocks until the session is established or fails; errors
// wrapping ErrAuthFailure are fatal, everything else is transient.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, stanza string) error
	Roster(ctx context.Context) ([]addrbook.RosterEntry, error)
}

// Presence is a contact availability change.
type Presence struct {
	From  string
	State string
}

// eventKind tags entries on the incoming queue.
type eventKind int

const (
	eventMessage eventKind = iota
	eventPresence
	eventRoster
)

type event struct {
	kind     eventKind
	msg      convert.Received
	presence Presence
	roster   []addrbook.RosterEntry
}

// Notification is pushed to the dispatcher's fan-out channel. When the
// channel is full the oldest pending notification is dropped.
type Notification struct {
	Method string
	Params map[string]interface{}
}

// Options tunes queue sizes and retry behavior. Zero values take the
// documented defaults.
type Options struct {
	IncomingSize int // default 1000
	OutgoingSize int // default 1000
	PrioritySize int // default 100

	SendRetries  int           // default 3
	SendBackoff  time.Duration // default 500ms, doubled per attempt
	DrainTimeout time.Duration // default 5s

	ReconnectBase time.Duration // default 1s
	ReconnectMax  time.Duration // default 60s

	DegradedWindow time.Duration // default 30s
	DegradedDefer  time.Duration // default 250ms

	NotifyBuffer int // default 64
}

func (o *Options) withDefaults() {
	if o.IncomingSize <= 0 {
		o.IncomingSize = 1000
	}
	if o.OutgoingSize <= 0 {
		o.OutgoingSize = 1000
	}
	if o.PrioritySize <= 0 {
		o.PrioritySize = 100
	}
	if o.SendRetries <= 0 {
		o.SendRetries = 3
	}
	if o.SendBackoff <= 0 {
		o.SendBackoff = 500 * time.Millisecond
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 60 * time.Second
	}
	if o.DegradedWindow <= 0 {
		o.DegradedWindow = 30 * time.Second
	}
	if o.DegradedDefer <= 0 {
		o.DegradedDefer = 250 * time.Millisecond
	}
	if o.NotifyBuffer <= 0 {
		o.NotifyBuffer = 64
	}
}

// Bridge owns the two queues, their workers and the connection state
// machine. A nil client runs the bridge in stdio-only mode where sends
// are rejected as disconnected.
type Bridge struct {
	opts   Options
	client Client
	book   *addrbook.Book
	inbox  *inbox.Inbox
	log    *logging.Logger

	incoming *queue[event]
	outgoing *queue[convert.Outbound]
	priority *queue[convert.Outbound]

	notifs    chan Notification
	closeOnce sync.Once

	state       atomic.Int32
	disconnects chan error
	fatalMu     sync.Mutex
	fatalErr    error
	stats       *sendStats

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles a bridge. The address book and inbox are required; the
// client may be nil for stdio-only operation.
func New(client Client, book *addrbook.Book, box *inbox.Inbox, opts Options, log *logging.Logger) *Bridge {
	opts.withDefaults()
	if log == nil {
		log = logging.Default()
	}

	return &Bridge{
		opts:        opts,
		client:      client,
		book:        book,
		inbox:       box,
		log:         log,
		incoming:    newQueue[event](opts.IncomingSize, true),
		outgoing:    newQueue[convert.Outbound](opts.OutgoingSize, false),
		priority:    newQueue[convert.Outbound](opts.PrioritySize, false),
		notifs:      make(chan Notification, opts.NotifyBuffer),
		disconnects: make(chan error, 1),
		stats:       newSendStats(opts.DegradedWindow),
	}
}

// Start launches the workers and the connection state machine.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		b.log.Warn("bridge: already running")
		return
	}
	b.running = true

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.incomingWorker(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.outgoingWorker(ctx)
	}()

	if b.client != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.runConnection(ctx)
		}()
	}

	b.log.Info("bridge: started (incoming=%d outgoing=%d priority=%d)",
		b.opts.IncomingSize, b.opts.OutgoingSize, b.opts.PrioritySize)
}

// Stop cancels the workers, flushes the outgoing queue best-effort
// until the drain deadline, folds leftover incoming messages into the
// inbox and disconnects.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()

	b.drainOutgoing()
	b.drainIncoming()

	if b.client != nil {
		if err := b.client.Disconnect(); err != nil {
			b.log.Warn("bridge: disconnect failed: %v", err)
		}
	}
	b.setState(StateDisconnected)

	b.closeOnce.Do(func() { close(b.notifs) })
	b.log.Info("bridge: stopped")
}

// Notifications returns the dispatcher-facing event channel. It is
// closed by Stop.
func (b *Bridge) Notifications() <-chan Notification {
	return b.notifs
}

// SendMessage enqueues an outbound message and returns the assigned
// outbound ID. The returned error maps onto NACK kinds: ErrDisconnected
// when no session can ever take it, ErrOverloaded on back-pressure.
func (b *Bridge) SendMessage(msg convert.Outbound) (string, error) {
	if b.client == nil || b.State() == StateTerminal {
		return "", ErrDisconnected
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	q := b.outgoing
	if msg.Priority == convert.PriorityHigh {
		q = b.priority
	}
	if err := q.Offer(msg, msg.Priority); err != nil {
		return "", err
	}
	b.log.Debug("bridge: queued outbound %s to %s (%s)", msg.ID, msg.To, msg.Priority)
	return msg.ID, nil
}

// HandleMessage is called by the XMPP client for each received chat
// message. The body arrives already entity-decoded by the transport
// edge and is stored verbatim. Back-pressure drops are logged, never
// propagated.
func (b *Bridge) HandleMessage(from, body, msgType string, ts time.Time) {
	if msgType == "" {
		msgType = "chat"
	}
	ev := event{kind: eventMessage, msg: convert.Received{From: from, Body: body, Type: msgType, TS: ts}}
	if err := b.incoming.Offer(ev, convert.PriorityMedium); err != nil {
		b.log.Warn("bridge: incoming queue full, dropping message from %s", from)
	}
}

// HandlePresence is called by the XMPP client on presence changes.
func (b *Bridge) HandlePresence(from, state string) {
	ev := event{kind: eventPresence, presence: Presence{From: from, State: state}}
	if err := b.incoming.Offer(ev, convert.PriorityLow); err != nil {
		b.log.Debug("bridge: incoming queue full, dropping presence from %s", from)
	}
}

// HandleRoster is called by the XMPP client on roster pushes.
func (b *Bridge) HandleRoster(entries []addrbook.RosterEntry) {
	ev := event{kind: eventRoster, roster: entries}
	if err := b.incoming.Offer(ev, convert.PriorityHigh); err != nil {
		b.log.Warn("bridge: incoming queue full, dropping roster update")
	}
}

// incomingWorker routes events off the incoming queue. A panicking
// route drops the offending event and the worker keeps going.
func (b *Bridge) incomingWorker(ctx context.Context) {
	for {
		ev, ok := b.popIncoming(ctx)
		if !ok {
			return
		}
		b.routeEvent(ev)
	}
}

func (b *Bridge) popIncoming(ctx context.Context) (event, bool) {
	for {
		if ev, _, ok := b.incoming.TryPop(); ok {
			return ev, true
		}
		select {
		case <-ctx.Done():
			return event{}, false
		case <-b.incoming.Wake():
		}
	}
}

func (b *Bridge) routeEvent(ev event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bridge: incoming worker panic, dropping event: %v", r)
		}
	}()

	switch ev.kind {
	case eventMessage:
		if ev.msg.From == "" {
			b.log.Warn("bridge: dropping received message without sender")
			return
		}
		id := b.inbox.Append(ev.msg.From, ev.msg.Body, ev.msg.TS)
		b.notify("inbox/new", map[string]interface{}{
			"id":        id,
			"from":      ev.msg.From,
			"body":      preview(ev.msg.Body, 100),
			"timestamp": ev.msg.TS.Unix(),
		})
	case eventRoster:
		b.book.SyncRoster(ev.roster)
	case eventPresence:
		b.notify("presence/changed", map[string]interface{}{
			"from":  ev.presence.From,
			"state": ev.presence.State,
		})
	default:
		b.log.Warn("bridge: dropping event of unknown kind %d", ev.kind)
	}
}

// outgoingWorker drains the priority lane first, then the main queue.
func (b *Bridge) outgoingWorker(ctx context.Context) {
	for {
		msg, ok := b.popOutbound(ctx)
		if !ok {
			return
		}
		b.deliver(ctx, msg)
	}
}

func (b *Bridge) popOutbound(ctx context.Context) (convert.Outbound, bool) {
	for {
		if msg, _, ok := b.priority.TryPop(); ok {
			return msg, true
		}
		if msg, _, ok := b.outgoing.TryPop(); ok {
			return msg, true
		}
		select {
		case <-ctx.Done():
			return convert.Outbound{}, false
		case <-b.priority.Wake():
		case <-b.outgoing.Wake():
		}
	}
}

// deliver sends one message, retrying transient failures with
// exponential backoff and re-inserting at the tail of the same lane.
func (b *Bridge) deliver(ctx context.Context, msg convert.Outbound) {
	if b.State() == StateDegraded && msg.Priority != convert.PriorityHigh {
		// Throttle non-priority traffic while the session is unhealthy.
		if !sleepCtx(ctx, b.opts.DegradedDefer) {
			b.nack(msg, KindShutdown)
			return
		}
	}

	err := b.client.Send(ctx, msg.Stanza())
	b.stats.record(err == nil)
	b.updateDegraded()

	switch {
	case err == nil:
		b.notify("delivery/ack", map[string]interface{}{"id": msg.ID})

	case errors.Is(err, ErrFatalSend) || errors.Is(err, ErrAuthFailure):
		b.log.Error("bridge: fatal send error for %s: %v", msg.ID, err)
		b.nack(msg, KindSendFailed)

	case ctx.Err() != nil:
		b.nack(msg, KindShutdown)

	default:
		if msg.Attempts >= b.opts.SendRetries {
			b.log.Warn("bridge: giving up on %s after %d attempts: %v", msg.ID, msg.Attempts, err)
			b.nack(msg, KindSendFailed)
			return
		}
		delay := b.opts.SendBackoff << uint(msg.Attempts)
		b.log.Debug("bridge: transient send error for %s, retry in %v: %v", msg.ID, delay, err)
		if !sleepCtx(ctx, delay) {
			b.nack(msg, KindShutdown)
			return
		}
		msg.Attempts++
		q := b.outgoing
		if msg.Priority == convert.PriorityHigh {
			q = b.priority
		}
		if qerr := q.Offer(msg, msg.Priority); qerr != nil {
			b.nack(msg, KindOverloaded)
		}
	}
}

func (b *Bridge) nack(msg convert.Outbound, kind string) {
	b.notify("delivery/nack", map[string]interface{}{
		"id":   msg.ID,
		"kind": kind,
	})
}

// notify pushes onto the fan-out channel without ever blocking a
// worker: when full, the oldest pending notification is dropped.
func (b *Bridge) notify(method string, params map[string]interface{}) {
	n := Notification{Method: method, Params: params}
	for {
		select {
		case b.notifs <- n:
			return
		default:
			select {
			case <-b.notifs:
			default:
			}
		}
	}
}

// drainOutgoing flushes queued sends best-effort until the drain
// deadline, then fails the remainder with shutdown NACKs.
func (b *Bridge) drainOutgoing() {
	remaining := append(b.priority.Drain(), b.outgoing.Drain()...)
	if len(remaining) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.DrainTimeout)
	defer cancel()

	connected := b.client != nil && (b.State() == StateConnected || b.State() == StateDegraded)
	for _, msg := range remaining {
		if connected && ctx.Err() == nil {
			if err := b.client.Send(ctx, msg.Stanza()); err == nil {
				b.notify("delivery/ack", map[string]interface{}{"id": msg.ID})
				continue
			}
		}
		b.nack(msg, KindShutdown)
	}
	b.log.Info("bridge: drained %d outbound messages on shutdown", len(remaining))
}

// drainIncoming folds any received messages left on the queue into the
// inbox so they survive until the process actually exits.
func (b *Bridge) drainIncoming() {
	for _, ev := range b.incoming.Drain() {
		if ev.kind == eventMessage && ev.msg.From != "" {
			b.inbox.Append(ev.msg.From, ev.msg.Body, ev.msg.TS)
		}
	}
}

// QueueDepths reports current occupancy, mostly for logging and tests.
func (b *Bridge) QueueDepths() (incoming, outgoing, priority int) {
	return b.incoming.Len(), b.outgoing.Len(), b.priority.Len()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// preview truncates s to at most n bytes without splitting a rune.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
