package settlement

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type jobKind uint8

const (
	jobSettle jobKind = iota
	jobWithdraw
	jobFinalize
)

func (k jobKind) String() string {
	switch k {
	case jobSettle:
		return "settle"
	case jobWithdraw:
		return "withdraw"
	default:
		return "finalize"
	}
}

type job struct {
	kind jobKind
	id   common.Hash
}

// queue is an unbounded FIFO. push never blocks, so the matcher can hand
// fills over from inside a pair actor.
type queue struct {
	mu     sync.Mutex
	items  []job
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(j job) {
	q.mu.Lock()
	q.items = append(q.items, j)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a job is available or ctx is done.
func (q *queue) pop(ctx context.Context) (job, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			j := q.items[0]
			q.items[0] = job{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return j, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return job{}, false
		case <-q.notify:
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
