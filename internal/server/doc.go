// Package server implements the sync relay that replicas exchange messages
// through.
//
// The relay does not project rows. It keeps, per sync group, the message log
// and a merkle index over it, and answers each round with the messages the
// client is likely missing. Storage is pluggable (GroupStore: in memory, any
// store.Storage per group, SQLite, PostgreSQL), as is the change feed that
// tells watchers a group moved (Notifier: in-process Hub, Redis pub/sub for
// several relay instances).
package server
