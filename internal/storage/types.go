package storage

import (
	"errors"
	"time"

	"praice/internal/task/broker"
	"praice/internal/task/lease"
	"praice/internal/task/tracker"
)

var ErrUnsupportedScheme = errors.New("unsupported storage scheme")

// Config names one URL per backend.
type Config struct {
	BrokerURL   string
	LeaseURL    string
	TrackerURL  string
	BusyTimeout time.Duration // sqlite only; 0 means 5s

	// Now is passed to every backend. Defaults to time.Now.
	Now func() time.Time
}

// Stores bundles the opened backends. Close releases every underlying handle.
type Stores struct {
	Broker  broker.Broker
	Leases  lease.Manager
	Tracker tracker.Tracker

	closers []func() error
}

func (s *Stores) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
