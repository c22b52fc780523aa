package vm

import (
	"context"
	"fmt"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Goroutines
// ---------------------------------------------------------------------------

// GoroutineState is a goroutine's position in the scheduling state machine.
type GoroutineState uint8

const (
	Ready GoroutineState = iota
	Running
	Blocked
	Terminated
)

func (s GoroutineState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("GoroutineState(%d)", uint8(s))
}

// Goroutine is the saved register set of one logical thread. While a
// goroutine is running its live registers are held by the Machine and
// these fields are stale.
type Goroutine struct {
	ID    int
	State GoroutineState

	PC           int
	Env          Addr
	OpStack      []Addr
	RuntimeStack []Addr

	started bool
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// Scheduler multiplexes goroutines onto the single interpreter loop. It
// decides which goroutine runs next; the Machine saves and restores
// registers around each switch.
type Scheduler struct {
	goroutines map[int]*Goroutine
	ready      []*Goroutine
	timers     timerQueue
	current    *Goroutine

	quantum      int
	slice        int
	firstQuantum int
	nextID       int
	timerSeq     uint64
	switches     uint64

	clock Clock
	log   commonlog.Logger
}

func newScheduler(quantum, firstQuantum int, clock Clock) *Scheduler {
	return &Scheduler{
		goroutines:   make(map[int]*Goroutine),
		slice:        quantum,
		firstQuantum: firstQuantum,
		clock:        clock,
		log:          commonlog.GetLogger("gvm.sched"),
	}
}

// spawn registers a new ready goroutine. Ids are assigned in order, so
// the first goroutine spawned is main with id 0.
func (s *Scheduler) spawn(pc int, env Addr) *Goroutine {
	g := &Goroutine{ID: s.nextID, State: Ready, PC: pc, Env: env}
	s.nextID++
	s.goroutines[g.ID] = g
	s.ready = append(s.ready, g)
	if s.log.AllowLevel(commonlog.Debug) {
		s.log.Debugf("spawn goroutine %d at pc %d", g.ID, pc)
	}
	return g
}

// park blocks g until an explicit wake.
func (s *Scheduler) park(g *Goroutine) {
	g.State = Blocked
}

// sleep parks g and arms a timer for it.
func (s *Scheduler) sleep(g *Goroutine, ms int64) {
	g.State = Blocked
	s.timerSeq++
	s.timers.add(timer{
		deadline:  s.clock.Now().Add(millis(ms)),
		goroutine: g.ID,
		seq:       s.timerSeq,
	})
}

// wake moves a blocked goroutine to the tail of the ready queue.
func (s *Scheduler) wake(g *Goroutine) {
	if g.State != Blocked {
		return
	}
	g.State = Ready
	s.ready = append(s.ready, g)
}

// terminate removes g from the goroutine table.
func (s *Scheduler) terminate(g *Goroutine) {
	g.State = Terminated
	delete(s.goroutines, g.ID)
	g.OpStack = nil
	g.RuntimeStack = nil
}

// tick charges one instruction to the running goroutine and reports
// whether its time slice is used up.
func (s *Scheduler) tick() bool {
	s.quantum--
	return s.quantum <= 0
}

// renew grants the running goroutine a fresh slice without switching.
func (s *Scheduler) renew() {
	s.quantum = s.slice
}

// pollTimers wakes every goroutine whose deadline has passed.
func (s *Scheduler) pollTimers() {
	if s.timers.Len() == 0 {
		return
	}
	now := s.clock.Now()
	for s.timers.Len() > 0 && !s.timers.earliest().deadline.After(now) {
		t := s.timers.next()
		if g, ok := s.goroutines[t.goroutine]; ok {
			s.wake(g)
		}
	}
}

// next pops the next ready goroutine and makes it current. With nothing
// ready it sleeps until the earliest timer fires; with no timers either
// the program is deadlocked.
func (s *Scheduler) next(ctx context.Context) (*Goroutine, error) {
	s.pollTimers()
	for len(s.ready) == 0 {
		if s.timers.Len() == 0 {
			return nil, fmt.Errorf("%w (%d goroutines blocked)", ErrDeadlock, s.blocked())
		}
		wait := s.timers.earliest().deadline.Sub(s.clock.Now())
		if err := s.clock.Sleep(ctx, wait); err != nil {
			return nil, err
		}
		s.pollTimers()
	}

	g := s.ready[0]
	s.ready[0] = nil
	s.ready = s.ready[1:]

	g.State = Running
	s.quantum = s.slice
	// Goroutine 1 gets a longer first slice. Kept as observed behavior.
	if g.ID == 1 && !g.started {
		s.quantum = s.firstQuantum
	}
	g.started = true
	if s.current != g {
		s.switches++
	}
	s.current = g
	return g, nil
}

func (s *Scheduler) blocked() int {
	n := 0
	for _, g := range s.goroutines {
		if g.State == Blocked {
			n++
		}
	}
	return n
}
