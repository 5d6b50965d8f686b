// Package crdt implements the message-log CRDT of a replica.
//
// Every local or remote field assignment is a message.Message. Store.Apply
// appends it to the log (unique by timestamp), indexes its timestamp in the
// merkle trie and folds it into the row projection with last-write-wins per
// cell: a cell holds the value of the message with the greatest timestamp.
// Because the fold only ever compares timestamps, replicas that have applied
// the same set of messages hold the same projection regardless of order or
// repetition.
//
// Deletes are tombstones (column "tombstone" = 1); rows are never removed.
package crdt
