// Package progress carries phase/percent/message updates from the
// distribution core to whoever is watching.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Phase identifies the stage an operation is in.
type Phase string

const (
	PhaseFetching   Phase = "fetching"
	PhaseExtracting Phase = "extracting"
	PhasePlanning   Phase = "planning"
	PhaseApplying   Phase = "applying"
	PhaseDone       Phase = "done"
)

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}

// Indeterminate is the Percent value used when the total amount of work is unknown.
const Indeterminate = -1

// Event is one progress update.
type Event struct {
	Phase   Phase     `json:"phase"`
	Percent int       `json:"percent"` // 0-100, or Indeterminate
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// IsIndeterminate reports whether the event carries no percentage.
func (e Event) IsIndeterminate() bool {
	return e.Percent == Indeterminate
}

func (e Event) String() string {
	if e.IsIndeterminate() {
		return fmt.Sprintf("[%s] %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("[%s %3d%%] %s", e.Phase, e.Percent, e.Message)
}

// Reporter is a sink for progress events. Implementations must not block
// and have no failure mode.
type Reporter interface {
	Report(Event)
}

// Func adapts a plain function to a Reporter.
type Func func(Event)

// Report calls f(e).
func (f Func) Report(e Event) {
	f(e)
}

// Discard drops every event.
var Discard Reporter = Func(func(Event) {})

// Send builds an event and hands it to r. A nil reporter is allowed.
// Percentages below zero become Indeterminate, above 100 are clamped.
func Send(r Reporter, phase Phase, percent int, format string, args ...interface{}) {
	if r == nil {
		return
	}
	if percent < 0 {
		percent = Indeterminate
	} else if percent > 100 {
		percent = 100
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	r.Report(Event{Phase: phase, Percent: percent, Message: msg, Time: time.Now()})
}

// Scale maps done/total onto [lo, hi]. An unknown total (<= 0) yields Indeterminate.
func Scale(done, total int64, lo, hi int) int {
	if total <= 0 {
		return Indeterminate
	}
	if done > total {
		done = total
	}
	return lo + int(int64(hi-lo)*done/total)
}

// Tee fans every event out to all reporters in order.
func Tee(reporters ...Reporter) Reporter {
	return Func(func(e Event) {
		for _, r := range reporters {
			if r != nil {
				r.Report(e)
			}
		}
	})
}

// LogSink mirrors events to a structured logger.
func LogSink(logger *log.Logger) Reporter {
	return Func(func(e Event) {
		if e.IsIndeterminate() {
			logger.Info(e.Message, "phase", e.Phase)
			return
		}
		logger.Info(e.Message, "phase", e.Phase, "percent", e.Percent)
	})
}

// Buffer is a bounded queue between producers in the core and a single
// consumer. When the consumer falls behind the oldest queued event is
// dropped so Report never blocks.
type Buffer struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped uint64
}

// NewBuffer creates a buffer holding at most size events.
func NewBuffer(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{ch: make(chan Event, size)}
}

// Report enqueues e, evicting the oldest event if the buffer is full.
func (b *Buffer) Report(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for {
		select {
		case b.ch <- e:
			return
		default:
		}
		select {
		case <-b.ch:
			b.dropped++
		default:
		}
	}
}

// Events returns the channel the consumer reads from. It is closed by Close.
func (b *Buffer) Events() <-chan Event {
	return b.ch
}

// Dropped returns how many events were evicted so far.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops accepting events and closes the channel once drained by the reader.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Forward drains b into sink until b is closed. Run it on its own goroutine.
func Forward(b *Buffer, sink Reporter) {
	for e := range b.Events() {
		sink.Report(e)
	}
}
