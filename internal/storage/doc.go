package storage

// Package storage is the document store behind schedules, completions,
// run logs, dedupe claims and cache snapshots.
//
// Two drivers are available:
//   - "memory": in-process maps, optionally journaled to disk (snapshot + journal)
//   - "sqlite": JSON documents in a SQLite file (modernc.org/sqlite, no cgo)
//
// Create is the one conditional write: it inserts only when the id is free
// and is atomic in both drivers.
