package dispatch

import "container/heap"

// retryQueue は次回試行日時の早い順にジョブを取り出す優先度キュー。
type retryQueue []*Job

func (q retryQueue) Len() int { return len(q) }

func (q retryQueue) Less(i, j int) bool {
	return q[i].NextAttemptAt.Before(q[j].NextAttemptAt)
}

func (q retryQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *retryQueue) Push(x any) { *q = append(*q, x.(*Job)) }

func (q *retryQueue) Pop() any {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return job
}

// peek は次に取り出すジョブを返す。空の場合はnil。
func (q retryQueue) peek() *Job {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

var _ heap.Interface = (*retryQueue)(nil)
