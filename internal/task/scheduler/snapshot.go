package scheduler

// Snapshot returns per-job state in registry order.
func (s *Service) Snapshot() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.order))
	for _, name := range s.order {
		st := s.jobs[name]
		out = append(out, JobState{
			Name:      name,
			Cadence:   st.entry.Spec.Cadence,
			Enabled:   st.entry.Spec.Enabled,
			State:     st.state,
			Next:      st.next,
			LastFired: st.lastFired,
			LastRunID: st.lastRunID,
			LastError: st.lastErr,
		})
	}
	return out
}
