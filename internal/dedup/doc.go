// Package dedup remembers which item keys a publisher has already notified.
//
// Store is the in-memory authority (mutex guarded, atomic AddIfAbsent);
// a Backend persists it between runs:
//   - "file":     one JSON document per publisher (default)
//   - "sqlite":   SQLite database file (build tag sqlite)
//   - "redis":    one hash per publisher
//   - "postgres": one table shared by publishers, keyed by (publisher, key)
//   - "memory":   nothing survives the process
package dedup
