// Package cluster is the messaging fabric between the coordinator and its
// worker nodes: node identity, JSON over HTTP helpers, the request/reply
// message types, item codecs and an in-process queue.
//
// # Topology
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │              │
//	              │ - Registry   │
//	              │ - Repository │
//	              │ - Dispatch   │
//	              └──────┬───────┘
//	                     │ StepExecutionRequest / ChunkRequest
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│  Node 1   │ │  Node 2   │ │  Node 3   │
//	└───────────┘ └───────────┘ └───────────┘
//	      StepExecutionReply / ChunkReply ▲
//
// # Messages
//
// StepExecutionRequest: run one partition of a step
//   - Names an execution record the coordinator already created
//   - Carries the partition descriptor bound to that record
//   - Fire-and-forget; the repository is the source of truth
//
// ChunkRequest / ChunkReply: remote chunking
//   - Items are encoded one by one with a Codec
//   - Replies are matched to requests by Sequence
//   - Workers always reply, success or failure
//
// # Channels
//
// Sender and Receiver abstract the transport. Delivery is at least once, so
// receivers must absorb duplicates and tolerate reordering. Implementations:
//
//   - MemoryQueue: in-process, with hooks that duplicate or reorder
//     deliveries for protocol tests
//   - redisq.Queue: Redis lists, durable across process restarts
//   - coordinator.HTTPDispatcher: POSTs partition requests to nodes
//
// # HTTP helpers
//
// PostJSON, PutJSON and GetJSON share a client with a 5 second timeout.
// Any non-2xx answer becomes an *HTTPError carrying the status code and the
// start of the response body.
package cluster
