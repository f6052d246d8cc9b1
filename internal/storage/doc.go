// Package storage opens the shared state backends named by URL: the broker
// backlog, the lease table and the run tracker.
//
// Supported schemes:
//   - memory://              single process only (tests, local runs)
//   - sqlite://path/to/db    broker, lease, tracker
//   - redis://, rediss://    broker, lease
//   - postgres://            tracker
//
// URLs that are equal share one handle, so a single SQLite file can host all
// three tables.
package storage
