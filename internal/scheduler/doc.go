// Package scheduler is the admission and pacing core: it accepts
// priority-tagged requests, holds them until an upstream account has a free
// slot, inserts the human-cadence delay, dispatches the call, and records the
// outcome.
//
// # Model
//
// One sequential decision loop owns dequeueing, account selection and pacing;
// accepted requests then execute concurrently, bounded by the sum of account
// concurrency caps. Priority is absolute: the URGENT lane drains before HIGH,
// HIGH before NORMAL, NORMAL before LOW, FIFO inside each lane. A steady
// stream of URGENT work starves lower lanes; that is the contract, not a bug.
//
// # Lifecycle
//
// QUEUED -> WAITING_ACCOUNT -> PACING -> EXECUTING -> COMPLETED | FAILED,
// with FAILED -> QUEUED retries up to a bounded attempt budget and CANCELLED
// reachable from any non-terminal state. The account slot is held from
// acquisition through execution completion, pacing delay included, so the
// per-account request rate seen upstream is exactly what the pacing model
// intends.
//
// The Scheduler can be started and stopped at runtime (admin surface or
// config reload). Stopping preserves queued requests; they dispatch on the
// next start.
package scheduler
