// Package lock provides lease-based mutual exclusion with in-memory and Redis
// implementations.
//
// A lock is held through a Handle carrying a random token. Leases expire on
// their own, so a crashed holder never blocks a key forever, and a Handle
// only ever removes the lock it was granted. Waiters wake on "unlock:<key>"
// events from a syncbus Bus and poll on a short interval, because lease expiry
// produces no event. Do wraps a callback in an acquire/release pair.
package lock
