// Package notifier delivers rendered announcements to chat targets.
//
// Notifications are queued and sent by a small worker pool behind a token
// bucket, with exponential retry on transport errors. A notification carries
// either a rich transport.Message or a plain text body.
//
// # Deduplication
//
// Every notification is keyed by a hash of its channel, target and rendered
// content. An identical notification accepted inside the dedup window (one hour
// by default) is dropped. A key is held from the moment its notification is
// queued and is released again if the queue is full or delivery gives up, so
// content that never reached the chat can be offered again. Keys live in a
// bounded in-memory cache that is swept periodically; when PersistDedup is set
// delivered keys are also written to storage so a restart does not re-announce
// the last batch.
package notifier
