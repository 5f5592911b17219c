// Package document implements the replicated account document: three
// ordered collections (expenses, people, payments) that converge across
// devices without coordination.
//
// # Merge model
//
// Every live record carries a Stamp (lamport counter + actor id). A put
// or delete applies only if its stamp is newer than any stamp previously
// seen for that record id; deletes leave an internal tombstone so a
// full-state exchange from a peer that deleted a record wins over a
// replica that still holds it. This makes application of update batches
// commutative and idempotent regardless of arrival order.
//
// # Origin tags
//
// Every mutation fires a change event tagged with its origin: LocalOrigin
// for UI/migration mutations, or the tag passed to ApplyRemote. The sync
// layer uses tag equality purely to suppress echo (never re-sending an
// update to the session it arrived from); tags play no part in conflict
// resolution.
//
// # Known limitation
//
// Record update is "remove, reinsert updated copy", so concurrent edits
// to two different fields of the same record on two devices resolve as
// last-full-record-write-wins: the losing write's untouched fields are
// discarded along with it. See ReplaceByID.
package document
