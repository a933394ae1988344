package jobmanager

import (
	"container/heap"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// queueItem is a pending job with its submission sequence number.
type queueItem struct {
	job   *types.Job
	seq   uint64
	index int
}

// pendingQueue is a heap ordered by (priority desc, created_at asc, seq asc).
// A requeued job keeps its original position key.
type pendingQueue []*queueItem

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pendingQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// peek returns the head without removing it.
func (q pendingQueue) peek() *queueItem {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (q *pendingQueue) remove(item *queueItem) {
	heap.Remove(q, item.index)
}
