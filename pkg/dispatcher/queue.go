package dispatcher

import (
	"sync"

	"github.com/contexhq/contex/pkg/models"
)

// queuedDelivery pairs an update with the registration snapshot taken at
// enqueue time, so a concurrent re-registration cannot redirect an
// in-flight delivery.
type queuedDelivery struct {
	reg    models.AgentRegistration
	update models.Update
}

// agentQueue is a bounded FIFO with drop-oldest overflow. One drain
// goroutine per agent consumes it, which serializes deliveries and
// preserves publish order per agent.
type agentQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []queuedDelivery
	capacity int
	dropped  int64
	paused   bool
	closed   bool
}

func newAgentQueue(capacity int) *agentQueue {
	q := &agentQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a delivery, evicting the oldest entry when full. It
// returns the number of entries dropped by this call.
func (q *agentQueue) push(item queuedDelivery) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}
	var dropped int
	for len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
		dropped++
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return dropped
}

// pop blocks until an item is available and the queue is not paused, or
// the queue is closed. The second return is false once the queue is
// closed and drained.
func (q *agentQueue) pop() (queuedDelivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for (len(q.items) == 0 || q.paused) && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return queuedDelivery{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// pause holds deliveries; pushes still accumulate up to capacity.
func (q *agentQueue) pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

func (q *agentQueue) resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.cond.Broadcast()
}

func (q *agentQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *agentQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
