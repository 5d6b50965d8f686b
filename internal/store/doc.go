// Package store defines the storage contract of a replica.
//
// A replica keeps three collections:
//   - messages: the append-only log, unique by timestamp and scannable in
//     timestamp order
//   - rows: the last-write-wins projection of the log, keyed by
//     (dataset, id), each cell remembering the timestamp that wrote it
//   - meta: small named blobs (persisted clock, merkle summary)
//
// # Backends
//
//   - sqlitestore: SQLite via mattn/go-sqlite3, WAL mode, embedded schema
//   - boltstore: bbolt buckets, the log keyed by canonical timestamp
//   - memstore: google/btree, for tests and throwaway replicas
//
// Every backend passes the conformance suite in storetest.
//
// # Ordering
//
// Canonical timestamp strings sort in the same order as the timestamps
// themselves, so every backend orders the log by comparing the encoded
// string. Scans never depend on insertion order.
package store
