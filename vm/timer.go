package vm

import (
	"container/heap"
	"context"
	"math"
	"time"
)

// Clock is the scheduler's source of time. The engine sleeps on it only
// when every live goroutine is waiting for a timer.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Timer queue
// ---------------------------------------------------------------------------

type timer struct {
	deadline  time.Time
	goroutine int
	seq       uint64
}

// timerQueue is a min-heap of timers ordered by deadline, then by creation
// order so equal deadlines wake FIFO.
type timerQueue []timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q timerQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *timerQueue) Push(x any) { *q = append(*q, x.(timer)) }

func (q *timerQueue) Pop() any {
	old := *q
	t := old[len(old)-1]
	*q = old[:len(old)-1]
	return t
}

func (q *timerQueue) add(t timer) { heap.Push(q, t) }

func (q timerQueue) earliest() timer { return q[0] }

func (q *timerQueue) next() timer { return heap.Pop(q).(timer) }

// maxMillis is the longest sleep a time.Duration can hold.
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

func millis(ms int64) time.Duration {
	if ms > maxMillis {
		ms = maxMillis
	}
	return time.Duration(ms) * time.Millisecond
}
