// Package bundle implements CLASP's bundle scheduler (C9, §4.9): a
// min-heap of pending bundles keyed by deliver_at_us, with a single timer
// firing at the earliest deadline.
//
// Grounded in the teacher's single-goroutine timer-driven patterns (e.g.
// ws/internal/shared/limits/resource_guard.go's periodic sampling loop),
// generalized from a fixed-interval ticker to a dynamically re-armed timer
// since scheduled bundles arrive with arbitrary future deadlines rather
// than a constant period.
package bundle

import (
	"container/heap"
	"sync"
	"time"
)

// pendingBundle is one scheduled entry. apply is invoked with the
// requested deliver_at_us once the timer fires, so the dispatcher can use
// it as the write timestamp (§4.9).
type pendingBundle struct {
	deliverAtUs uint64
	apply       func(nowUs uint64)
	index       int
}

type bundleHeap []*pendingBundle

func (h bundleHeap) Len() int            { return len(h) }
func (h bundleHeap) Less(i, j int) bool  { return h[i].deliverAtUs < h[j].deliverAtUs }
func (h bundleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *bundleHeap) Push(x any) {
	p := x.(*pendingBundle)
	p.index = len(*h)
	*h = append(*h, p)
}
func (h *bundleHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}

// Scheduler parks bundles until their deliver_at_us and re-enters them
// into the dispatcher via their apply callback at that moment.
type Scheduler struct {
	mu    sync.Mutex
	heap  bundleHeap
	timer *time.Timer
	now   func() uint64
	stop  chan struct{}
	wake  chan struct{}
}

func New(nowFn func() uint64) *Scheduler {
	if nowFn == nil {
		nowFn = func() uint64 { return uint64(time.Now().UnixMicro()) }
	}
	s := &Scheduler{
		now:  nowFn,
		stop: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	heap.Init(&s.heap)
	go s.run()
	return s
}

// Schedule parks apply to run once the router clock reaches deliverAtUs
// (§4.9). Safe to call concurrently.
func (s *Scheduler) Schedule(deliverAtUs uint64, apply func(nowUs uint64)) {
	s.mu.Lock()
	heap.Push(&s.heap, &pendingBundle{deliverAtUs: deliverAtUs, apply: apply})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending reports how many bundles are currently parked (observability, §6).
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Close stops the scheduler's timer goroutine. Already-parked bundles are
// dropped without firing (§5: "scheduled bundles from a closed session are
// not cancelled" applies to session closure, not router shutdown).
func (s *Scheduler) Close() { close(s.stop) }

func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.rearm(timer)
		select {
		case <-s.stop:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireDue()
		}
	}
}

func (s *Scheduler) rearm(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}

	s.mu.Lock()
	var d time.Duration
	if len(s.heap) == 0 {
		d = time.Hour
	} else {
		nowUs := s.now()
		due := s.heap[0].deliverAtUs
		if due <= nowUs {
			d = 0
		} else {
			d = time.Duration(due-nowUs) * time.Microsecond
		}
	}
	s.mu.Unlock()
	timer.Reset(d)
}

func (s *Scheduler) fireDue() {
	nowUs := s.now()
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].deliverAtUs > nowUs {
			s.mu.Unlock()
			return
		}
		p := heap.Pop(&s.heap).(*pendingBundle)
		s.mu.Unlock()
		p.apply(p.deliverAtUs)
	}
}
