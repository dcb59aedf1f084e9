package scheduler

import "container/heap"

// opQueue is a min-heap ordered by (priorityKey, seq). The sequence number
// is assigned at enqueue and gives strict FIFO among equal-priority
// operations without depending on clock resolution.
type opQueue []*operation

var _ heap.Interface = (*opQueue)(nil)

func (q opQueue) Len() int { return len(q) }

func (q opQueue) Less(i, j int) bool {
	if q[i].priorityKey != q[j].priorityKey {
		return q[i].priorityKey < q[j].priorityKey
	}
	return q[i].seq < q[j].seq
}

func (q opQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *opQueue) Push(x any) { *q = append(*q, x.(*operation)) }

func (q *opQueue) Pop() any {
	old := *q
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return op
}
