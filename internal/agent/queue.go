package agent

import "sync"

// LearningQueue holds one agent's pending learning events. It is unbounded;
// the drain takes one event per tick.
type LearningQueue struct {
	agentID string
	pending []Event
	mu      sync.Mutex
}

func NewLearningQueue(agentID string) *LearningQueue {
	return &LearningQueue{agentID: agentID}
}

func (q *LearningQueue) Enqueue(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, ev)
}

func (q *LearningQueue) Dequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Event{}, false
	}

	ev := q.pending[0]
	q.pending[0] = Event{}
	q.pending = q.pending[1:]
	return ev, true
}

// Unprocessed counts queued events that have not been folded yet.
func (q *LearningQueue) Unprocessed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ev := range q.pending {
		if !ev.applied {
			n++
		}
	}
	return n
}
