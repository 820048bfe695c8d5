package bridge

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// State is the XMPP session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
	StateTerminal
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// backoffDelay computes base*2^attempt plus jitter in [0, base),
// capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	d += time.Duration(rand.Int63n(int64(base)))
	if d > max {
		d = max
	}
	return d
}

// sendStats tracks send outcomes over a sliding window to detect a
// degraded session.
type sendStats struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sendSample
}

type sendSample struct {
	at time.Time
	ok bool
}

// degradedMinSamples is the floor below which the failure rate is not
// meaningful.
const degradedMinSamples = 4

func newSendStats(window time.Duration) *sendStats {
	return &sendStats{window: window}
}

func (s *sendStats) record(ok bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, sendSample{at: now, ok: ok})
	cutoff := now.Add(-s.window)
	for len(s.samples) > 0 && s.samples[0].at.Before(cutoff) {
		s.samples = s.samples[1:]
	}
}

// failing reports whether more than half of the recent sends failed.
func (s *sendStats) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) < degradedMinSamples {
		return false
	}
	failed := 0
	for _, sample := range s.samples {
		if !sample.ok {
			failed++
		}
	}
	return failed*2 > len(s.samples)
}

// runConnection owns the session lifecycle: connect, fetch and sync the
// roster, then wait for a disconnect and retry with backoff. Fatal
// errors (authentication) end the loop in the terminal state.
func (b *Bridge) runConnection(ctx context.Context) {
	if b.client == nil {
		return
	}

	attempt := 0
	for ctx.Err() == nil {
		b.setState(StateConnecting)
		err := b.client.Connect(ctx)
		switch {
		case err == nil:
			attempt = 0
			b.setState(StateConnected)
			b.log.Info("bridge: connected")
			b.syncRosterFromServer(ctx)

			select {
			case <-ctx.Done():
				return
			case err := <-b.disconnects:
				if errors.Is(err, ErrAuthFailure) {
					b.fail(err)
					return
				}
				b.log.Warn("bridge: connection lost: %v", err)
				b.setState(StateReconnecting)
			}

		case errors.Is(err, ErrAuthFailure):
			b.fail(err)
			return

		case ctx.Err() != nil:
			return

		default:
			b.log.Warn("bridge: connect failed: %v", err)
			b.setState(StateReconnecting)
		}

		delay := backoffDelay(attempt, b.opts.ReconnectBase, b.opts.ReconnectMax)
		attempt++
		b.log.Info("bridge: retrying connection in %v (attempt %d)", delay, attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// fail records a fatal connection error and parks the machine in the
// terminal state.
func (b *Bridge) fail(err error) {
	b.fatalMu.Lock()
	b.fatalErr = err
	b.fatalMu.Unlock()
	b.setState(StateTerminal)
	b.log.Error("bridge: fatal connection error: %v", err)
}

// FatalError returns the error that put the bridge in the terminal
// state, if any.
func (b *Bridge) FatalError() error {
	b.fatalMu.Lock()
	defer b.fatalMu.Unlock()
	return b.fatalErr
}

// syncRosterFromServer fetches the roster and merges it into the
// address book. Roster failures are logged; the session stays up.
func (b *Bridge) syncRosterFromServer(ctx context.Context) {
	entries, err := b.client.Roster(ctx)
	if err != nil {
		b.log.Warn("bridge: roster fetch failed: %v", err)
		return
	}
	b.book.SyncRoster(entries)
}

// updateDegraded flips between Connected and Degraded based on the
// recent send failure rate. Other states are left alone.
func (b *Bridge) updateDegraded() {
	switch b.State() {
	case StateConnected:
		if b.stats.failing() {
			b.setState(StateDegraded)
			b.log.Warn("bridge: send failure rate above 50%%, degraded")
		}
	case StateDegraded:
		if !b.stats.failing() {
			b.setState(StateConnected)
			b.log.Info("bridge: send failure rate recovered")
		}
	}
}

// HandleDisconnect is called by the XMPP client when the session drops.
func (b *Bridge) HandleDisconnect(err error) {
	select {
	case b.disconnects <- err:
	default:
	}
}

func (b *Bridge) setState(s State) {
	// Terminal is sticky.
	if State(b.state.Load()) == StateTerminal {
		return
	}
	b.state.Store(int32(s))
}

// State returns an atomic snapshot of the connection state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}
