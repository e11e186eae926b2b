// Package store provides persistent storage for the inbox allocator.
//
// # Architecture
//
// A single Store interface covers operators, inboxes, subscriptions,
// conversations, tenant weights, the grace period ledger and the audit log.
// Three implementations exist:
//
//   - SQLiteStore: modernc.org/sqlite, the default embedded backend
//   - PostgresStore: pgx connection pool for shared deployments
//   - MockStore: in-memory, for unit tests
//
// # Conditional Updates
//
// Conversations never change state through a read-modify-write. Every
// transition is expressed as a ConversationTransition and executed as one
// UPDATE whose WHERE clause names the expected prior state (and, where
// relevant, the expected assignee and the new assignee's availability).
// A transition that matches no rows returns ErrConflict; callers decide how
// to report the lost race.
//
// Operator status changes and grace reclaims run in a single transaction:
//
//   - MarkOperatorOffline: status, old grace rows and new grace rows together
//   - MarkOperatorOnline: status and grace removal together
//   - ReclaimGrace: delete the grace row, then re-queue only if the
//     conversation is still ALLOCATED to the same operator
//
// # SQLite Configuration
//
// The SQLite store is opened with:
//
//	_pragma=journal_mode(WAL)
//	_pragma=foreign_keys(1)
//	_pragma=busy_timeout(5000)
//
// and a single pooled connection. Timestamps are stored as fixed-width UTC
// text so they sort and compare lexically.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrConflict: conditional update lost to a concurrent change
//   - ErrDuplicate: unique key already taken
//
// All methods accept context.Context for cancellation support.
package store
