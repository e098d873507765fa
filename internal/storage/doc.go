// Package storage is the metrics/activity store written by slot pipelines.
//
// It records, per tenant:
//   - Daily action counters (posts, likes, replies, follows)
//   - An activity log with success/failure per sub-action
//   - Posted message metadata, follower snapshots and keyword performance
//   - Replied-to messages, so a message is never replied to twice
package storage
