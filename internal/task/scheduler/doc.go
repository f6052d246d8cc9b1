// Package scheduler is the beat: it decides when a job is due and turns each
// due firing into exactly one queued run.
//
// The scheduler is responsible only for:
//   - computing next fire times from each job's cadence
//   - acquiring the lease for a firing so peers running the same registry skip it
//   - recording the run and pushing it to the broker
//
// Execution happens in internal/task/engine.
package scheduler
