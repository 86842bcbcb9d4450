package task

// Policy decides which ready thread runs next. The manager feeds it every
// thread that becomes ready and drains it one pick at a time.
type Policy interface {
	// Enqueue makes a thread eligible for picking.
	Enqueue(t *Thread)

	// Pick removes and returns the next thread to run, or nil when no
	// thread is ready.
	Pick() *Thread

	// Remove drops a thread from the ready set if present.
	Remove(t *Thread)
}

// roundRobin runs ready threads in FIFO order. Threads that become ready,
// including preempted and freshly unblocked ones, join at the back so every
// ready thread runs before any thread runs twice.
type roundRobin struct {
	queue []*Thread
}

func (rr *roundRobin) Enqueue(t *Thread) {
	rr.queue = append(rr.queue, t)
}

func (rr *roundRobin) Pick() *Thread {
	if len(rr.queue) == 0 {
		return nil
	}
	t := rr.queue[0]
	rr.queue = rr.queue[1:]
	return t
}

func (rr *roundRobin) Remove(t *Thread) {
	for queueIndex, queued := range rr.queue {
		if queued == t {
			rr.queue = append(rr.queue[:queueIndex], rr.queue[queueIndex+1:]...)
			return
		}
	}
}
