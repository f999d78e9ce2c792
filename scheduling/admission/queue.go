package admission

import (
	"sync"
	"time"

	"github.com/Ruanpiscitelli/media-api2-sub000/common/queue"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
)

// queueEntry is what actually sits in a priority queue: the task id plus the
// enqueue timestamp used for the oldest-wait gauge. Full task records live
// only in the manager's task table.
type queueEntry struct {
	taskID     string
	enqueuedAt time.Time
}

// multiQueue is the set of bounded FIFO queues, one per priority level,
// sharing a single lock and condition variable. The shared condition keeps
// strict priority precedence simple: any state change wakes every waiter, and
// each waiter re-checks whether it is allowed to proceed.
//
// A task id is present in at most one queue at any time; the present table
// enforces that across enqueue paths.
type multiQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	capacity int
	queues   [scheduling.NumPriorityLevels]*queue.Fifo[queueEntry]
	present  map[string]scheduling.Priority

	closed bool
}

func newMultiQueue(capacity int) *multiQueue {
	mq := &multiQueue{
		capacity: capacity,
		present:  make(map[string]scheduling.Priority),
	}
	mq.cond = sync.NewCond(&mq.mu)

	for p := 0; p < scheduling.NumPriorityLevels; p++ {
		mq.queues[p] = queue.NewFifo[queueEntry](capacity)
	}

	return mq
}

// enqueue appends the task to the tail of its priority queue, blocking while
// the queue is at capacity. It gives up at the deadline with ErrQueueFull,
// which is the system's backpressure signal.
func (mq *multiQueue) enqueue(taskID string, priority scheduling.Priority, deadline time.Time) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if _, ok := mq.present[taskID]; ok {
		return nil
	}

	// Wake all waiters at the deadline so the capacity re-check below can
	// observe that time is up.
	timer := time.AfterFunc(time.Until(deadline), mq.cond.Broadcast)
	defer timer.Stop()

	for mq.queues[priority].Len() >= mq.capacity {
		if mq.closed {
			return scheduling.ErrSchedulerClosed
		}
		if !time.Now().Before(deadline) {
			return scheduling.ErrQueueFull
		}
		mq.cond.Wait()
	}

	if mq.closed {
		return scheduling.ErrSchedulerClosed
	}

	mq.push(taskID, priority)

	return nil
}

// forceEnqueue appends the task to the tail of its priority queue without
// regard for the capacity bound. Used to return preempted and backed-off
// tasks to their queue: a task that was already admitted once must not be
// bounced by backpressure on its way back in.
func (mq *multiQueue) forceEnqueue(taskID string, priority scheduling.Priority) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if _, ok := mq.present[taskID]; ok {
		return
	}

	mq.push(taskID, priority)
}

func (mq *multiQueue) push(taskID string, priority scheduling.Priority) {
	mq.queues[priority].Enqueue(queueEntry{taskID: taskID, enqueuedAt: time.Now()})
	mq.present[taskID] = priority
	mq.cond.Broadcast()
}

// dequeue removes and returns the next entry of the given priority queue,
// blocking until one is available and every higher-priority queue is empty.
// Returns false once the multiQueue is closed.
func (mq *multiQueue) dequeue(priority scheduling.Priority) (queueEntry, bool) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	for {
		if mq.closed {
			return queueEntry{}, false
		}

		if mq.queues[priority].Len() > 0 && !mq.higherPriorityPending(priority) {
			entry, _ := mq.queues[priority].Dequeue()
			delete(mq.present, entry.taskID)

			// Freed capacity may unblock an enqueuer; an emptied queue may
			// unblock a lower-priority worker.
			mq.cond.Broadcast()

			return entry, true
		}

		mq.cond.Wait()
	}
}

func (mq *multiQueue) higherPriorityPending(priority scheduling.Priority) bool {
	for p := scheduling.Priority(0); p < priority; p++ {
		if mq.queues[p].Len() > 0 {
			return true
		}
	}
	return false
}

// remove deletes the task from whichever queue holds it. Returns false if the
// task is not queued.
func (mq *multiQueue) remove(taskID string) bool {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	priority, ok := mq.present[taskID]
	if !ok {
		return false
	}

	if _, removed := mq.queues[priority].Remove(func(entry queueEntry) bool {
		return entry.taskID == taskID
	}); !removed {
		delete(mq.present, taskID)
		return false
	}

	delete(mq.present, taskID)
	mq.cond.Broadcast()

	return true
}

func (mq *multiQueue) depth(priority scheduling.Priority) int {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	return mq.queues[priority].Len()
}

// oldestWait returns how long the head of the given queue has been waiting,
// or zero for an empty queue.
func (mq *multiQueue) oldestWait(priority scheduling.Priority) time.Duration {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	head, ok := mq.queues[priority].Peek()
	if !ok {
		return 0
	}

	return time.Since(head.enqueuedAt)
}

// close wakes every blocked enqueuer and worker. Entries still queued are
// abandoned; the owning manager handles their task records.
func (mq *multiQueue) close() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	mq.closed = true
	mq.cond.Broadcast()
}
