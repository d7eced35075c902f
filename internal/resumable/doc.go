// Package resumable keeps in-flight reply streams so a reconnecting client
// can pick up where it left off.
//
// # Model
//
// The sender of a reply calls Create with the stream ID it recorded in the
// stream ledger and then writes every SSE frame it sends to the client
// through the returned Publisher. Publisher.Close marks the stream finished.
//
// A reconnecting client calls Resume. For a live stream it receives every
// frame written so far (minus an optional number already seen) followed by
// the live tail. For a finished or unknown stream Resume reports live=false
// and the caller falls back to the stored messages.
//
// # Backends
//
//   - MemoryContext: single process, streams expire after the retention period
//   - RedisContext: shared between instances using a list per stream, a
//     state key and a pub/sub channel that wakes readers
//
// Redis keys for stream {id}:
//
//	resumable:{id}:state   "active" | "done"
//	resumable:{id}:events  list of frames
//	resumable:{id}:notify  pub/sub channel
//
// All keys expire after the retention period.
//
// A nil Context disables resumption.
package resumable
