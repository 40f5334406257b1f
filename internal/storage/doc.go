// Package storage persists schedule entries.
//
// Drivers:
//   - memory: in-process only, lost on exit
//   - file:   snapshot + checksummed append-only journal, no dependencies
//   - sqlite: single database file (modernc.org/sqlite, WAL)
//   - redis:  entries hash + next-fire sorted set
//
// Every driver keeps exactly one entry per item id and answers the
// "earliest entry" query without scanning from the caller's side.
package storage
