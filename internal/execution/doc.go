// Package execution persists the lifecycle of step executions and is the
// single piece of state shared by the coordinator and its workers.
//
// # Lifecycle
//
//	          create
//	            │
//	            ▼
//	       ┌──────────┐   worker picks up   ┌─────────┐
//	       │ STARTING │ ──────────────────▶ │ STARTED │
//	       └──────────┘                     └─────────┘
//	            │                                │
//	            └──────────────┬─────────────────┘
//	                           ▼
//	     COMPLETED │ FAILED │ STOPPED │ ABANDONED   (terminal)
//
// Updates are monotonic. Every status has a rank (STARTING 0, STARTED 1,
// terminal 2) and an update is applied only when it raises the rank of a
// non-terminal record. Anything else is a silent no-op that still returns
// nil, which makes redelivered worker messages and late coordinator updates
// harmless.
//
// # Implementations
//
//   - MemoryRepository: in-process, mutex protected, copy-on-read
//   - sqlrepo.Repository: database/sql with sqlite, monotonic UPDATE ... WHERE
//   - Client: HTTP client for a repository served by NewHandler
//
// Records are never deleted. Parent/child links let the coordinator find the
// partitions of a run with ListChildren.
package execution
