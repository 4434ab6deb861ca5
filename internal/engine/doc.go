// Package engine implements the livesync reactive synchronization engine.
//
// The engine keeps a local cache of query results in step with a remote
// backend. Collaborators subscribe to queries, submit writes and report
// connectivity; the engine does the rest.
//
// ARCHITECTURE:
//
// Single Owner:
// The engine owns the cache, the subscription registry and the mutation
// queue. Every state change happens under one mutex. Subscriber callbacks,
// event listeners and transport calls run with the mutex released, so a
// callback may call back into the engine.
//
// Write Flow:
//  1. Mutate layers the write over every affected cached query
//  2. Subscribers see the optimistic value before Mutate blocks
//  3. The write joins the queue; the queue is the only path to the backend
//  4. Confirmation folds the layer into the base, rejection rolls it back
//
// Read Flow:
//  1. Subscribe delivers the cached value, if any, right away
//  2. A background refresh fetches the query from the backend
//  3. Queued writes are re-applied on top of the fresh result
//  4. Subscribers are notified only when the visible value changed
//
// Reconnect:
// OnOnline drains the queue in submission order, one write at a time, and
// then refreshes every actively subscribed query.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Cache versions and refresh dispatch points are stamped from Clock.Next().
// A refresh dispatched before a write was confirmed never drops that write.
//
// Ordered Delivery:
// Notifications are delivered in the order they were produced and a
// subscriber never sees an older version after a newer one.
package engine
