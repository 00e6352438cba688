// Package commandqueue provides an unbounded FIFO queue with a blocking,
// context-aware Pop.
//
// Invariants:
// - Items are popped in the order they were pushed.
// - Push never blocks and never drops an item while the queue is open.
// - Close wakes every waiting Pop; items pushed before Close are still drained.
// - Queue depth is observable through the queue metrics under the queue's lane name.
//
// Usage:
//
//	q := commandqueue.New[Request]("activations")
//	defer q.Close()
//	_ = q.Push(req)
//	next, err := q.Pop(ctx)
package commandqueue
