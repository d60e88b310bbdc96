// Package queue is taskq's in-process task scheduling engine.
//
// Callers submit units of work with scheduling directives (immediate,
// delayed, periodic) via Add. A single scheduler loop promotes due tasks
// into one of three priority tiers; a fixed pool of workers drains the
// tiers in strict high > normal > low order and executes task bodies with
// timeout enforcement and exponential-backoff retry.
//
// All shared state (registry, pending set, tier queues) is guarded by one
// mutex on Service; workers and the scheduler loop never hold the lock
// while a task body runs.
//
// Nothing is persisted: stopping the process loses all pending and
// in-flight work.
package queue
