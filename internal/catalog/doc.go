// Package catalog keeps the local menu catalog and the cloud in step.
//
// Overview
//
// Each catalog resource (categories, menu items, modifiers) syncs on its own,
// bounded by a per-resource checkpoint: the time the last successful sync
// started.
//
//	Local store                                     Cloud
//	  rows updated after checkpoint  ── PUSH ──►   upsert by id
//	  overwrite / tombstone          ◄── PULL ──   rows updated at or after checkpoint
//	                                      ↓
//	                         checkpoint := sync start
//
// A pull always wins: remote rows overwrite local ones. Rows deleted upstream
// are tombstoned locally, never removed, so they stay resolvable by ID while
// every visible listing hides them.
//
// Pre-flight
//
// Check compares the newest remote updated_at with the newest local one and
// reports whether a pull would bring anything new, without downloading rows.
// RunSelfHealing runs Check for every resource on a fixed interval and syncs
// the resources that report an update.
//
// Concurrency
//
// Sync calls for the same resource are serialized by a per-resource lock, so
// a timer-driven sync and a manual one never interleave their push and pull
// windows. Different resources sync in parallel. Check takes no lock.
//
// Failure
//
// Any error aborts the pass. The checkpoint is left where it was, so the next
// pass covers the same window again. Rows already pulled are not rolled back.
package catalog
