// Package aggregator coalesces bursty per-sender message fragments into
// single logical turns using a sliding debounce window.
package aggregator

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the debounce window used when none is configured.
const DefaultWindow = 3 * time.Second

// FlushFunc receives one coalesced turn for a sender. It is invoked outside
// the aggregator's locks; fragments buffered for other senders are not
// blocked by a slow flush. Any downstream failure is the receiver's to
// report — the aggregate is already cleared when FlushFunc runs.
type FlushFunc func(senderID, text string)

// pending is the buffered state for one sender between first fragment and
// flush. Single-writer per sender key, guarded by the aggregator mutex.
// gen records the arming generation; an expiry armed for an older gen is
// stale and must not flush.
type pending struct {
	fragments []string
	timer     Timer
	gen       uint64
}

// Aggregator buffers text fragments per sender and flushes them as one turn
// when the debounce window elapses without a new fragment. Every fragment
// resets the window (sliding, not fixed).
type Aggregator struct {
	window time.Duration
	flush  FlushFunc
	clock  Clock

	mu      sync.Mutex
	buffers map[string]*pending
	gen     uint64 // never reused, so stale expiries cannot collide across aggregates
}

// Opts holds parameters for creating an Aggregator.
type Opts struct {
	Window time.Duration // defaults to DefaultWindow
	Flush  FlushFunc
	Clock  Clock // defaults to SystemClock()
}

// New creates an Aggregator.
func New(opts Opts) (*Aggregator, error) {
	if opts.Flush == nil {
		return nil, fmt.Errorf("aggregator: flush func is required")
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &Aggregator{
		window:  window,
		flush:   opts.Flush,
		clock:   clock,
		buffers: make(map[string]*pending),
	}, nil
}

// OnFragment buffers one text fragment for a sender. The first fragment
// starts the debounce timer; every subsequent fragment appends and pushes
// the deadline out to a full window from now.
func (a *Aggregator) OnFragment(senderID, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.buffers[senderID]; ok {
		p.fragments = append(p.fragments, text)
		a.arm(senderID, p)
		return
	}

	p := &pending{fragments: []string{text}}
	a.buffers[senderID] = p
	a.arm(senderID, p)
}

// arm schedules (or reschedules) the flush for a pending aggregate. Each
// arming takes a fresh generation and binds it into the timer callback, so
// a timer that already fired before a reschedule cannot flush the fresh
// fragment early: its generation no longer matches. Callers hold a.mu.
func (a *Aggregator) arm(senderID string, p *pending) {
	if p.timer != nil {
		p.timer.Stop()
	}
	a.gen++
	p.gen = a.gen
	gen := p.gen
	p.timer = a.clock.AfterFunc(a.window, func() { a.expire(senderID, gen) })
}

// OnMedia handles an out-of-band media turn: any pending aggregate for the
// sender is flushed first (as its own turn, preserving order), then the
// media-derived text is flushed immediately. Media bypasses debouncing.
func (a *Aggregator) OnMedia(senderID, text string) {
	a.ForceFlush(senderID)
	a.flush(senderID, text)
}

// ForceFlush flushes any pending aggregate for the sender immediately.
// Returns true if a turn was emitted.
func (a *Aggregator) ForceFlush(senderID string) bool {
	text, ok := a.take(senderID)
	if !ok {
		return false
	}
	a.flush(senderID, text)
	return true
}

// Pending reports whether the sender has a buffered aggregate.
func (a *Aggregator) Pending(senderID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.buffers[senderID]
	return ok
}

// expire is the timer callback: pop the aggregate and hand it downstream.
// A firing whose generation is stale (a fragment arrived after it was
// armed) is dropped; the rearmed timer carries the flush.
func (a *Aggregator) expire(senderID string, gen uint64) {
	a.mu.Lock()
	p, ok := a.buffers[senderID]
	if !ok || p.gen != gen {
		a.mu.Unlock()
		return
	}
	text := a.pop(senderID, p)
	a.mu.Unlock()
	a.flush(senderID, text)
}

// take removes the sender's aggregate and returns its coalesced text. The
// buffer is cleared before the flush callback ever runs, so a downstream
// failure cannot cause a duplicate flush.
func (a *Aggregator) take(senderID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.buffers[senderID]
	if !ok {
		return "", false
	}
	return a.pop(senderID, p), true
}

// pop stops the timer and clears the buffer. Callers hold a.mu.
func (a *Aggregator) pop(senderID string, p *pending) string {
	p.timer.Stop()
	delete(a.buffers, senderID)
	return strings.Join(p.fragments, " ")
}
