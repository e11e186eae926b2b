// ABOUTME: Package documentation for inbound message deduplication
// ABOUTME: Explains the key format and eviction policy

// Package dedupe suppresses redelivered inbound messages. Keys are built with
// Key(tenantID, messageID) and remembered for a TTL in a size-bounded cache
// that evicts the oldest key when full.
package dedupe
