// Package results holds finished operations until the server has them.
package results

import (
	"sync"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/metrics"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/operation"
)

// Queue is the pending result set. A claimed result belongs to the caller
// until it is requeued, so it is never delivered twice concurrently.
type Queue struct {
	mu      sync.Mutex
	pending []*operation.ResultOperation
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Add(r *operation.ResultOperation) {
	if r == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, r)
	metrics.PendingResults.Set(float64(len(q.pending)))
}

func (q *Queue) Requeue(r *operation.ResultOperation) {
	q.Add(r)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Claim removes and returns every result whose send gate has passed.
func (q *Queue) Claim() []*operation.ResultOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ready []*operation.ResultOperation
	kept := q.pending[:0]
	for _, r := range q.pending {
		if r.ShouldSend() {
			ready = append(ready, r)
		} else {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	metrics.PendingResults.Set(float64(len(q.pending)))
	return ready
}

// Drain empties the queue regardless of send gates.
func (q *Queue) Drain() []*operation.ResultOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	metrics.PendingResults.Set(0)
	return out
}
