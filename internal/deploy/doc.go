// Package deploy is the orchestration engine: it takes a configuration
// payload and a set of targets through validate, snapshot, push, restart,
// and health check, with automatic rollback to the pre-deployment snapshot
// when an eligible phase fails.
//
// The scheduler owns per-target exclusive locks and fans each deployment
// out into one execution goroutine per target; the executor drives a single
// target through the phase state machine; the rollback coordinator handles
// the restore branch. Per-target outcomes are never collapsed: the aggregate
// deployment status is derived once, at the join barrier.
package deploy
