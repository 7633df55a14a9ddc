package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPeriod is the default maximum cadence of progress events.
const DefaultPeriod = 3 * time.Second

// Reporter emits periodic progress events on its own goroutine.
//
// Architecture:
//   - A period of zero emits once per Notify call, coalescing bursts
//   - A positive period emits at most once per period, measured from the
//     last emission recorded in State
//   - Complete wakes the goroutine immediately and waits for it to exit;
//     no progress event is sent after Complete returns
//
// The first Send error is kept and reported through Err. Emission stops
// after it.
type Reporter struct {
	period   time.Duration
	state    *State
	sink     Sink
	snapshot func() interface{}
	log      *zap.Logger

	mu        sync.Mutex
	started   bool
	completed bool
	err       error

	notify   chan struct{}
	done     chan struct{}
	finished chan struct{}
}

// NewReporter creates a reporter. A nil sink produces a reporter that never
// starts. Negative periods are treated as zero.
//
// Parameters:
//   - period: Minimum spacing between progress events
//   - state: Shared event id and clock for the request
//   - sink: Destination of events, may be nil
//   - snapshot: Returns the payload of a progress event
//   - log: Logger for send failures
func NewReporter(period time.Duration, state *State, sink Sink, snapshot func() interface{}, log *zap.Logger) *Reporter {
	if period < 0 {
		period = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{
		period:   period,
		state:    state,
		sink:     sink,
		snapshot: snapshot,
		log:      log,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start launches the reporter goroutine once. It is a no-op without a sink.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.completed || r.sink == nil {
		return
	}
	r.started = true
	go r.run()
}

// Started reports whether the goroutine was launched.
func (r *Reporter) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Notify signals that the counters changed. It never blocks.
func (r *Reporter) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Complete stops the reporter and waits for its goroutine to exit. It is
// safe to call more than once and on a reporter that never started.
func (r *Reporter) Complete() {
	r.mu.Lock()
	if r.completed {
		started := r.started
		r.mu.Unlock()
		if started {
			<-r.finished
		}
		return
	}
	r.completed = true
	started := r.started
	close(r.done)
	r.mu.Unlock()

	if started {
		<-r.finished
	}
}

// Err returns the first error returned by the sink.
func (r *Reporter) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reporter) run() {
	defer close(r.finished)

	if r.period == 0 {
		for {
			select {
			case <-r.done:
				return
			case <-r.notify:
				if !r.emit() {
					return
				}
			}
		}
	}

	timer := time.NewTimer(r.period)
	defer timer.Stop()
	for {
		wait := r.period - time.Since(r.state.StartTime())
		if wait <= 0 {
			if !r.emit() {
				return
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-r.done:
			return
		case <-timer.C:
		}
	}
}

// emit sends one progress event and reports whether the loop should go on.
func (r *Reporter) emit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed || r.err != nil {
		return false
	}

	ev := Event{
		ID:   r.state.NextEventID(time.Now()),
		Kind: EventProgress,
		Data: r.snapshot(),
	}
	if err := r.sink.Send(ev); err != nil {
		r.err = err
		r.log.Warn("Progress event delivery failed",
			zap.Int64("event_id", ev.ID),
			zap.Error(err),
		)
		return false
	}
	return true
}
