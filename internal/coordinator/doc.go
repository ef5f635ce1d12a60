// Package coordinator implements the master side of batchgrid: it fans a
// step out over worker nodes and decides the outcome of the whole run.
//
// # Overview
//
// Two scaling modes are coordinated here. Partitioning splits the key domain
// into independent ranges; each worker runs the full read-process-write loop
// over its range and reports only through the execution repository. Remote
// chunking keeps reading on the master and ships chunks of items to workers
// that process and write them, acknowledging each chunk with a reply.
//
// # Architecture
//
//	┌─────────────────────────────────────────┐
//	│              COORDINATOR                │
//	├─────────────────────────────────────────┤
//	│                                         │
//	│  ┌───────────────────────────────────┐  │
//	│  │  PartitionCoordinator             │  │
//	│  │  - parent + child records         │  │
//	│  │  - fire-and-forget dispatch       │  │
//	│  │  - poll children, aggregate       │  │
//	│  └───────────────────────────────────┘  │
//	│                                         │
//	│  ┌───────────────────────────────────┐  │
//	│  │  RemoteChunkCoordinator           │  │
//	│  │  - local reader, ChunkWriter      │  │
//	│  │  - bounded in-flight window       │  │
//	│  │  - reply matching, timeouts       │  │
//	│  └───────────────────────────────────┘  │
//	│                                         │
//	│  ┌───────────────────────────────────┐  │
//	│  │  NodeRegistry + HealthMonitor     │  │
//	│  │  - consistent-hash routing        │  │
//	│  │  - failure detection              │  │
//	│  └───────────────────────────────────┘  │
//	│                                         │
//	└─────────────────────────────────────────┘
//
// # Partitioning
//
// The coordinator never trusts replies. A partition is done when its record
// in the repository is terminal, whoever wrote it. Requests may be lost,
// duplicated or delivered late; a lost request shows up as a partition stuck
// in STARTING until the job timeout fails the parent with
// fault.ErrProtocolTimeout.
//
//	parent STARTED ──► Partition(gridSize)
//	                     │
//	        ┌────────────┼────────────┐
//	        ▼            ▼            ▼
//	     child 0      child 1  ...  child n-1     (Create + Send)
//	        │            │            │
//	        └──── poll ListChildren ──┘
//	                     │
//	     all COMPLETED ──► parent COMPLETED
//	     any unsuccessful ► parent FAILED (first cause)
//
// # Remote chunking
//
// ChunkWriter numbers chunks from 1 and keeps at most MaxInFlight of them
// unacknowledged. Replies are matched by job and sequence so duplicates and
// strays are dropped, and reordering is harmless. A FAILED reply fails the
// run. Waiting longer than ReceiveTimeout MaxWaitTimeouts times in a row
// fails it with fault.ErrProtocolTimeout.
//
// # Thread Safety
//
// NodeRegistry and HealthMonitor are safe for concurrent use. Coordinators
// can run several executions concurrently; a ChunkWriter belongs to one run.
package coordinator
