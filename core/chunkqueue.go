package orchestration

import "sync"

// chunkQueue holds answer text waiting to be spoken. It keeps at most
// capacity unconsumed chunks; pushing onto a full queue drops the oldest.
type chunkQueue struct {
	mu           sync.Mutex
	pending      []string
	capacity     int
	complete     bool
	cleared      bool
	updateSignal chan struct{}
}

func newChunkQueue(capacity int) *chunkQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &chunkQueue{
		pending:      make([]string, 0, capacity),
		capacity:     capacity,
		updateSignal: make(chan struct{}, 1),
	}
}

// Push appends chunk and reports whether an older chunk had to be dropped
// to make room. Pushes after Complete or Clear are ignored.
func (q *chunkQueue) Push(chunk string) (dropped bool) {
	q.mu.Lock()
	if q.cleared || q.complete {
		q.mu.Unlock()
		return false
	}
	if len(q.pending) >= q.capacity {
		q.pending = append(q.pending[:0], q.pending[1:]...)
		dropped = true
	}
	q.pending = append(q.pending, chunk)
	q.mu.Unlock()
	q.signalUpdate()
	return dropped
}

func (q *chunkQueue) Complete() {
	q.mu.Lock()
	q.complete = true
	q.mu.Unlock()
	q.signalUpdate()
}

// Chunks yields queued chunks in order, blocking for more until the queue is
// completed and drained or cleared.
func (q *chunkQueue) Chunks(yield func(string) bool) {
	for {
		q.mu.Lock()
		if q.cleared {
			q.mu.Unlock()
			return
		}

		if len(q.pending) > 0 {
			chunk := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			if !yield(chunk) {
				return
			}
			continue
		}

		if q.complete {
			q.mu.Unlock()
			return
		}

		q.mu.Unlock()
		<-q.updateSignal
	}
}

func (q *chunkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear discards everything pending and stops iteration.
func (q *chunkQueue) Clear() {
	q.mu.Lock()
	q.cleared = true
	q.pending = nil
	q.mu.Unlock()
	q.signalUpdate()
}

func (q *chunkQueue) signalUpdate() {
	select {
	case q.updateSignal <- struct{}{}:
	default:
	}
}
