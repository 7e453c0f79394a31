package sched

// pendingHeap orders PENDING tasks by the composite urgency key. Only the
// Scheduler touches it, always under the claim mutex.
type pendingHeap []*Task

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return urgentBefore(h[i], h[j]) }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(*Task)) }

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}
