// Package cloud implements the synchronization engine that keeps the
// local content store consistent with the remote backend.
//
// Two independent directions of traffic run concurrently for the
// coordinator's lifetime:
//
//  1. Outbound: local storage mutations are translated into durable,
//     ordered actions (see the queue package), pushed to the backend,
//     and any follow-up instructions the backend returns (currently
//     media uploads) are executed immediately.
//  2. Inbound: remote update batches are streamed (or bulk-downloaded)
//     and applied to local storage, pulling referenced media first,
//     with the stream cursor persisted after every fully integrated
//     batch.
//
// Each direction is serialized by its own mutex: the push mutex covers
// translating one storage change event into queued actions, the pull
// mutex covers applying one full remote batch. The two never block
// each other; only WaitForSync observes their joint quiescence by
// waiting on both mutexes and then on the action queue drain.
//
// Authentication drives the lifecycle: a signed-in user unpauses the
// queue and keeps both pipelines running, signing out pauses the queue
// and zeroes the sync stats. In-flight work is never cancelled; losing
// auth only stops new work from starting.
package cloud
