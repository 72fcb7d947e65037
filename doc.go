// Package vaultkv implements a durable, session-locked, transactional
// key/value store on top of two external primitives: a persistent,
// versioned key/value service (DataStore) and a volatile, cluster-wide
// coordination map with TTL (MemoryStore).
//
// A Store hands out Sessions, one per key, each holding an exclusive lease
// on that key for as long as it stays loaded. All mutations to a session's
// working copy are linearized on a per-session serial queue; multi-key
// transactions coordinate several sessions' queues at once and commit with
// a two-phase, marker-based protocol so that a crash mid-commit never
// leaves participants in a mixed state.
//
// Concrete DataStore/MemoryStore backends live in subpackages such as
// adapters/redis and adapters/cassandra. This package only consumes their
// interfaces; it does not depend on any particular backend.
package vaultkv

// Timeout model
//
// Every operation that crosses to a backing service is bounded by the
// caller's context. Lock leases additionally carry their own TTL,
// independent of any single caller's context, because a lease must survive
// across many short-lived operations on the same session. Lease TTL is
// refreshed well before expiry (see lock.go); if a refresh is missed the
// lease is considered lost and the owning session is closed.
