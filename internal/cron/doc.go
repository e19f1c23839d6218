// Package cron implements tickbot's persistent job scheduler: jobs that fire
// an agent turn at an absolute time, on a fixed interval, or on a 5-field
// cron expression, scoped per project (or the global scope).
//
// # Persistence
//
// Each scope owns a jobs.json file under its metadata directory and a
// runs/<jobId>.jsonl history per job. Store access is serialized through a
// process-wide path-keyed mutex; writes are atomic (temp file + rename), so a
// crash mid-write leaves the previous version intact. Loading always runs a
// self-healing sanitation pass: malformed jobs are dropped, missing fields
// backfilled, and running claims older than the stuck-run threshold released.
//
// # Scheduling
//
// A single re-arming timer drives the loop. Each tick claims due jobs across
// all scopes under their store locks, then executes the claimed jobs
// sequentially outside any lock, so long-running agent calls never block
// concurrent API reads or writes. Recurring jobs that fail repeatedly get an
// increasing minimum backoff on top of their natural schedule.
//
// This is a single-process design: the path-keyed mutex is an in-process
// advisory lock, and running two scheduler instances against the same data
// directory is unsupported.
package cron
