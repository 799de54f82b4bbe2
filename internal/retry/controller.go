// Package retry implements the bounded, FIFO-ordered retry controller.
package retry

import (
	"errors"
	"sync"

	"github.com/zulandar/foreman/internal/beads"
)

// ErrExhausted is returned (as a bool false from QueueForRetry, not an
// error value) when a task has already used its retry budget. It is
// exported so supervisors can log a consistent message; QueueForRetry
// itself never returns an error.
var ErrExhausted = errors.New("retry: retries exhausted")

// Controller tracks per-task attempt counts and a FIFO of task-ids pending
// retry, entirely in memory (intentionally process-local, per the
// orchestrator's design: an operator restart is equivalent to re-admitting
// failed tasks).
type Controller struct {
	mu         sync.Mutex
	maxRetries int
	attempts   map[string]int
	queue      []string
}

// NewController returns a Controller with the given retry budget per task.
func NewController(maxRetries int) *Controller {
	return &Controller{
		maxRetries: maxRetries,
		attempts:   make(map[string]int),
	}
}

// QueueForRetry increments the attempt count for taskID. If the
// incremented count is within budget, the id is appended to the FIFO and
// true is returned; otherwise the count stays pinned at the limit and
// false is returned.
func (c *Controller) QueueForRetry(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.attempts[taskID] + 1
	if next > c.maxRetries {
		c.attempts[taskID] = c.maxRetries
		return false
	}
	c.attempts[taskID] = next
	c.queue = append(c.queue, taskID)
	return true
}

// Attempts reports how many times taskID has been queued for retry so far.
func (c *Controller) Attempts(taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[taskID]
}

// Clear removes the attempt record for taskID, typically called on
// successful completion.
func (c *Controller) Clear(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, taskID)
}

// NextTaskID returns the head of the retry FIFO if non-empty; otherwise it
// consults store for the next eligible Bead. Returns "" if nothing is
// available.
func (c *Controller) NextTaskID(store *beads.Store) (string, error) {
	c.mu.Lock()
	if len(c.queue) > 0 {
		id := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	b, err := store.GetNext()
	if err != nil {
		return "", err
	}
	if b == nil {
		return "", nil
	}
	return b.ID, nil
}
