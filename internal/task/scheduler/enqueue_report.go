package scheduler

import (
	"errors"
	"time"

	"praice/internal/jobs"
	logx "praice/pkg/logx"
)

// fireWarnEvery limits fire-failure warnings to one per job per interval.
const fireWarnEvery = 5 * time.Second

// reportFireError logs a failed firing. Losing the lease race is the normal
// outcome for all but one instance and stays quiet.
func (s *Service) reportFireError(name jobs.Name, err error) {
	if err == nil || errors.Is(err, jobs.ErrLeaseContention) {
		return
	}

	now := s.now()
	s.warnMu.Lock()
	if last, ok := s.lastWarn[name]; ok && now.Sub(last) < fireWarnEvery {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	msg := "lease store unavailable; slot kept for next tick"
	if isPushError(err) {
		msg = "broker rejected run; slot discarded"
	}
	s.log.Warn(msg, logx.String("job", string(name)), logx.Err(err))
}
