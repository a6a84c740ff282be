// Package distbuild implements the distributed build coordinator core: a
// single-threaded, cooperative event loop shared by a singleton build
// queuer and one worker session per connected worker. All coordination
// between those state machines happens exclusively through typed events
// passed through the loop; no handler ever blocks or takes a lock.
package distbuild

import (
	"context"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
)

// State names one of a StateMachine's states. The zero value, NoState,
// means "leave the current state unchanged" when used as a Transition's To
// field.
type State string

// NoState signals that a transition does not change the machine's state.
const NoState State = ""

// Transition describes one edge of a state machine: from State, upon an
// event of the dynamic type of Event arriving tagged with Source, invoke
// Handle and move to To (unless To is NoState).
type Transition struct {
	From   State
	Source interface{}
	Event  interface{}
	To     State
	Handle func(source interface{}, event interface{})
}

// Machine is an embeddable base for event-loop participants. It tracks the
// machine's current state and its transition table; concrete state
// machines (the Queuer, a worker Session, the Helper Router) embed it and
// add their own transitions with AddTransitions.
type Machine struct {
	state       State
	transitions []Transition
}

// NewMachine creates a Machine starting in the given state.
func NewMachine(initial State) *Machine {
	return &Machine{state: initial}
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// AddTransitions appends to the machine's transition table. Order matters
// only in that the first matching transition for the current (state,
// source, event type) tuple wins.
func (m *Machine) AddTransitions(ts ...Transition) {
	m.transitions = append(m.transitions, ts...)
}

// dispatch delivers one (source, event) pair to the machine. It returns
// true if a transition matched and fired.
func (m *Machine) dispatch(source interface{}, event interface{}) bool {
	et := reflect.TypeOf(event)
	for _, t := range m.transitions {
		if t.From != m.state {
			continue
		}
		if t.Source != source {
			continue
		}
		if reflect.TypeOf(t.Event) != et {
			continue
		}
		t.Handle(source, event)
		if t.To != NoState {
			m.state = t.To
		}
		return true
	}
	return false
}

type queuedEvent struct {
	source interface{}
	event  interface{}
}

// EventLoop is the single FIFO dispatcher all state machines share. Events
// are delivered at-most-once per matching transition, in the order they
// were queued; handlers never block, they only enqueue further events and
// return.
type EventLoop struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []queuedEvent
	closed   bool
	machines []*Machine
	logger   *logrus.Entry
}

// NewEventLoop creates an empty event loop.
func NewEventLoop(logger *logrus.Entry) *EventLoop {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &EventLoop{logger: logger}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Register adds a state machine to the loop. It takes the loop's lock, so
// it may be called while Run is delivering events (the coordinator
// registers a Session per accepted worker this way); a machine registered
// mid-run sees only events dequeued after its registration.
func (l *EventLoop) Register(m *Machine) {
	l.mu.Lock()
	l.machines = append(l.machines, m)
	l.mu.Unlock()
}

// QueueEvent enqueues an event tagged with source. source is either a
// SourceKind naming a broadcast channel, or a specific machine instance
// for directed delivery. QueueEvent is safe to call from any goroutine,
// including from within a handler running on the loop's own goroutine.
func (l *EventLoop) QueueEvent(source interface{}, event interface{}) {
	l.mu.Lock()
	l.queue = append(l.queue, queuedEvent{source: source, event: event})
	l.mu.Unlock()
	l.cond.Signal()
}

// Idle reports whether the loop's queue is empty: a quiescent point.
func (l *EventLoop) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) == 0
}

// Run pops events one at a time and delivers each to every registered
// machine until ctx is cancelled and the queue has drained. It returns
// nil on clean shutdown.
func (l *EventLoop) Run(ctx context.Context) error {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.mu.Unlock()
			l.cond.Broadcast()
		case <-stop:
		}
	}()
	defer close(stop)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return nil
		}
		ev := l.queue[0]
		l.queue = l.queue[1:]
		machines := l.machines
		l.mu.Unlock()

		for _, m := range machines {
			m.dispatch(ev.source, ev.event)
		}
	}
}
