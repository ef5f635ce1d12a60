// Package worker runs steps on worker nodes.
//
// A node receives work in two shapes. Partition requests name a step and a
// key range; RequestHandler resolves the step through a StepLocator, runs it
// bound to the range and records the outcome in the execution repository,
// which the coordinator polls. Chunk requests carry encoded items;
// ChunkWorker processes and writes them and answers each with a ChunkReply.
//
//	StepExecutionRequest ─► RequestHandler ─► Step.Run(desc) ─► repository
//	ChunkRequest ─────────► ChunkWorker ────► processor+writer ─► ChunkReply
//
// Both paths tolerate redelivery. A partition request for a terminal or
// already running execution is ignored, and a chunk request seen before is
// answered from a bounded cache of past replies.
//
// Launcher runs unpartitioned steps under a key and refuses to repeat a key
// whose last run completed unless the step allows it.
package worker
