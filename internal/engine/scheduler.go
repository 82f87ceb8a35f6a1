package engine

import (
	"container/heap"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// readyQueue orders ready nodes by submission sequence.
type readyQueue []*node

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool { return q[i].seq < q[j].seq }
func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x interface{}) { *q = append(*q, x.(*node)) }
func (q *readyQueue) Pop() interface{} {
	old := *q
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*q = old[:len(old)-1]
	return n
}

// scheduler dispatches the ready nodes of one flow run onto a goroutine pool
// sized by the execution model. Under the cooperative model each node must
// also hold the run's processor token while it executes.
type scheduler struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  readyQueue
	closed bool
	pool   *pool.Pool
	proc   *processor
	exec   func(n *node, h *holder)
	done   chan struct{}
}

func newScheduler(mode ExecutionMode, workers int, proc *processor, exec func(n *node, h *holder)) *scheduler {
	s := &scheduler{exec: exec, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	switch mode {
	case ModeSequential:
		s.pool = pool.New().WithMaxGoroutines(1)
	case ModeCooperative:
		s.pool = pool.New()
		s.proc = proc
	default:
		if workers < 1 {
			workers = 1
		}
		s.pool = pool.New().WithMaxGoroutines(workers)
	}
	return s
}

func (s *scheduler) start() {
	go s.loop()
}

func (s *scheduler) enqueue(n *node) {
	s.mu.Lock()
	heap.Push(&s.queue, n)
	s.mu.Unlock()
	s.cond.Signal()
}

// close lets the dispatcher exit once the queue is drained and every
// dispatched node has returned.
func (s *scheduler) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *scheduler) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for s.queue.Len() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.queue.Len() == 0 {
			s.mu.Unlock()
			break
		}
		n := heap.Pop(&s.queue).(*node)
		s.mu.Unlock()

		var h *holder
		if s.proc != nil {
			h = &holder{p: s.proc}
		}
		// Go blocks while the pool is saturated.
		s.pool.Go(func() { s.exec(n, h) })
	}
	s.pool.Wait()
}
