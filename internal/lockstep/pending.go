package lockstep

import (
	"sync"

	"github.com/OCAP2/lockstep/internal/queue"
	"github.com/OCAP2/lockstep/pkg/command"
)

// pendingQueue holds local commands issued since the last flush and the
// turn that flush happened on.
type pendingQueue struct {
	items *queue.Queue[command.Command]

	mu       sync.Mutex
	sentTurn int64
	sent     bool
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{items: queue.New[command.Command]()}
}

// Push appends commands to the queue.
func (q *pendingQueue) Push(cmds ...command.Command) {
	q.items.Push(cmds...)
}

// Len returns the number of queued commands.
func (q *pendingQueue) Len() int {
	return q.items.Len()
}

// Clear drops every queued command.
func (q *pendingQueue) Clear() int {
	return len(q.items.Take(0))
}

// takeForTurn drains up to limit commands for turn. It returns false if a
// batch was already taken for that turn. Commands past limit stay queued.
func (q *pendingQueue) takeForTurn(turn int64, limit int) ([]command.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sent && q.sentTurn == turn {
		return nil, false
	}
	q.sent = true
	q.sentTurn = turn
	return q.items.Take(limit), true
}
