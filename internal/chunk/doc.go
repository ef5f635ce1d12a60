// Package chunk implements the chunk-oriented execution loop.
//
// An Engine reads items one at a time until it has ChunkSize of them or the
// reader reports item.ErrEndOfSequence, runs each through the processor in
// order, and hands the survivors to the writer as one batch:
//
//	read ─▶ read ─▶ ... ─▶ process each ─▶ write(batch) ─▶ next chunk
//	  │                          │                │
//	  └── skip (nil item)        ├── filter       └── skip whole chunk
//	                             └── skip item
//
// Failures are classified through fault.Policy. Retryable kinds are retried
// per unit (item for read and process, chunk for write). Skippable kinds
// drop the unit and count one skip event against the skip limit. Anything
// else fails the run.
//
// Every COMPLETED Result satisfies
//
//	ItemsRead == ItemsWritten + ItemsSkipped + ItemsFiltered
package chunk
