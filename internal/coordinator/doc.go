// Package coordinator turns playback requests into artifact streams.
//
// For each fingerprint the Coordinator either serves the Complete artifact
// from the store or drives exactly one provider invocation, no matter how
// many requests arrive concurrently. The producer reads provider output in
// store-sized chunks, appends each chunk to a staged store write and then
// broadcasts it to every attached consumer. Consumers that attach late
// replay earlier chunks from the staged write before switching to their own
// bounded queue. The producer never waits for consumers: one that falls a
// full queue behind reads from the staged write, or from the committed
// artifact, until it has caught up. Only a consumer that stops reading for
// the stall timeout is dropped with ErrConsumerTooSlow.
//
// On success the write is committed and consumers see EOF. On any failure
// the write is aborted, every consumer receives the error and the claim is
// released so a later request starts over.
//
// Productions run on the coordinator's own context. Whether they stop when
// every requester has left is set by AbandonPolicy.
package coordinator
