// Package harness runs livesync scenarios end to end.
//
// A scenario drives a real engine against the SQLite reference backend:
// it seeds the backend, then subscribes, writes, flips connectivity and
// refreshes, recording everything subscribers and listeners observe.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: offline_replay
//	description: "Writes made offline replay in order on reconnect"
//	catalog: catalog          # optional CUE catalog dir, relative to the file
//	connected: false          # initial connectivity, default true
//	drain_policy: continue    # continue (default) or stop
//	seed:
//	  todos:
//	    - { id: 1, text: "seeded" }
//	steps:
//	  - subscribe: list
//	    query: todos.list
//	  - mutate: create
//	    table: todos
//	    data: { id: 2, text: "offline" }
//	    expect: queued
//	  - connectivity: online
//	assertions:
//	  - type: last_value
//	    subscription: list
//	    value: [{ id: 1, text: "seeded" }, { id: 2, text: "offline" }]
//
// # Step Types
//
//   - subscribe: registers a subscription under an alias
//   - unsubscribe: removes the subscription with that alias
//   - mutate: create, update or delete; expect is synced, rejected or queued
//   - refresh: refreshes a query; expect is ok, failed or offline
//   - connectivity: online or offline
//   - clear_cache: drops every cached entry
//
// # Assertion Types
//
//   - trace_contains: an event with the given label appears in the trace
//   - trace_order: labels appear in the given order
//   - trace_count: a label appears exactly N times
//   - last_value: the last value delivered to a subscription
//   - delivered: a subscription received exactly N values
//   - mutation_status: a mutation's final status
//   - pending_count: writes still queued at the end
//   - final_state: a backend record matching where has the expected fields
//
// Trace labels are "step:<action>", "deliver:<alias>" and "event:<type>".
//
// # Deterministic Testing
//
// Every scenario runs with:
//   - Sequential mutation IDs (m-1, m-2, ...) and record IDs (rec-1, ...)
//   - A fixed wall clock
//   - Reconnect refreshes one query at a time
//   - A wait for all background work after each step
//   - Per-step events sorted before they are appended to the trace
//
// This keeps traces identical across runs for golden file comparison.
package harness
