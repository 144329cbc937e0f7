// Package relay orchestrates the consistency-sensitive operations of a room:
// appending and publishing messages, admitting live subscribers and nuking.
//
// Every mutation of a room runs under that room's lock, so a nuke can never
// interleave between a writer's tombstone check and its append, and the order
// messages receive ids is the order they are offered to subscribers.
package relay
