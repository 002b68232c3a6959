package scheduler

// QueueStatus is a point-in-time view of one model's admission state.
type QueueStatus struct {
	ModelID  string
	QueueLen int
	Active   int
}

// Status reports queue depth and running generations per model.
func (s *Scheduler) Status() map[string]QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]QueueStatus, len(s.queues))
	for id, q := range s.queues {
		out[id] = QueueStatus{
			ModelID:  id,
			QueueLen: len(q.queue),
			Active:   int(q.active.Load()),
		}
	}
	return out
}
