// ABOUTME: Package documentation for the allocation engine
// ABOUTME: Describes the conversation state machine and its concurrency model

// Package allocation assigns customer conversations to operators.
//
// A conversation moves between three states:
//
//	QUEUED --allocate/claim/reassign--> ALLOCATED
//	ALLOCATED --resolve--> RESOLVED
//	ALLOCATED --deallocate/grace expiry--> QUEUED
//	RESOLVED --reassign--> ALLOCATED
//
// Every transition is a single conditional update in the store, keyed on the
// expected prior state (and, where relevant, the expected assignee and the
// operator still being AVAILABLE). When two callers race for the same
// conversation exactly one update succeeds; the loser sees store.ErrConflict,
// which the engine folds into the matching error kind from errors.go.
//
// The engine keeps no locks of its own. Instances can run side by side
// against one database.
//
// Grace periods: when an operator goes OFFLINE each of its ALLOCATED
// conversations gets a grace assignment with a deadline. Coming back online
// cancels them. ProcessGraceExpiry, driven by the sweeper, requeues
// conversations whose deadline has passed and discards entries whose
// conversation has already moved on.
package allocation
