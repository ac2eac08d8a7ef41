package pipeline

import "sync"

// slots limits how many agents hooks in one column may run at once.
// Tasks that find the column full wait in FIFO order.
type slots struct {
	mu      sync.Mutex
	held    map[int64]int64   // task -> column
	waiting map[int64][]int64 // column -> tasks
}

func newSlots() *slots {
	return &slots{held: make(map[int64]int64), waiting: make(map[int64][]int64)}
}

// acquire takes a slot in column for task. limit <= 0 means unlimited.
func (s *slots) acquire(taskID, columnID int64, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.held[taskID]; ok && col == columnID {
		return true
	}
	if limit > 0 && s.countLocked(columnID) >= limit {
		for _, id := range s.waiting[columnID] {
			if id == taskID {
				return false
			}
		}
		s.waiting[columnID] = append(s.waiting[columnID], taskID)
		return false
	}
	s.removeWaiterLocked(taskID)
	s.held[taskID] = columnID
	return true
}

// release frees the task's slot and drops it from any wait list. It returns the
// next waiting task of the freed column, if there is one.
func (s *slots) release(taskID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeWaiterLocked(taskID)
	col, ok := s.held[taskID]
	if !ok {
		return 0, false
	}
	delete(s.held, taskID)
	queue := s.waiting[col]
	if len(queue) == 0 {
		return 0, false
	}
	next := queue[0]
	s.waiting[col] = queue[1:]
	return next, true
}

func (s *slots) countLocked(columnID int64) int {
	n := 0
	for _, col := range s.held {
		if col == columnID {
			n++
		}
	}
	return n
}

func (s *slots) removeWaiterLocked(taskID int64) {
	for col, queue := range s.waiting {
		for i, id := range queue {
			if id == taskID {
				s.waiting[col] = append(queue[:i:i], queue[i+1:]...)
				break
			}
		}
	}
}
