/*
Package types defines the core data structures shared across jobhub.

This package contains the fundamental entities of the orchestration core: a
user's Job, the per-platform PlatformTask rows it owns, the append-only
Event log, PlatformHealth snapshots, the IntegrityReport produced on
completion, NotificationMessage rows, and the live Client/Subscription
records used by the sync bus. Every other package operates on these types;
the Task Store is the only package allowed to persist Job/PlatformTask/
Event/PlatformHealth/IntegrityReport rows, and the Sync Bus is the only
package that owns Client rows.

# Core Types

Job Lifecycle:
  - Job: a user submission requesting search across multiple platforms
  - JobStatus: Pending, Queued, Processing, Completed, Failed, Cancelled
  - PlatformTask: the per-(job,platform) unit of work
  - PlatformTaskStatus: Pending, Assigned, Processing, Completed, Failed, Cancelled
  - Event: an append-only record of a lifecycle transition or observation
  - EventType: the enumerated event kinds the sync bus and event log carry

Health & Quality:
  - PlatformHealth: rolling per-platform success/latency/load snapshot
  - IntegrityReport: per-job validation, duplicate and quality findings
  - PlatformSummary: per-platform contribution to an IntegrityReport
  - QualityMetrics / QualityLevel: the six-axis quality score and its bucket

Notification:
  - NotificationMessage: one queued/delivered message on one channel
  - NotificationChannel / NotificationPriority: delivery routing

Sync Bus:
  - SyncEvent: the wire-level event delivered to subscribers
  - Client: a live subscriber's session state

# State Machines

PlatformTask:

	Pending -> Assigned -> Processing -> {Completed | Failed | Cancelled}
	Failed -> Pending (new attempt, via the Error Engine, while attempt < max_attempts)

Job (derived from the PlatformTask multiset, never written directly except
by CreateJob/CompleteJob/cancellation):

	Pending -> Queued -> Processing -> {Completed | Failed | Cancelled}

NotificationMessage:

	Pending -> Sending -> {Delivered | Failed | Retrying -> Pending}

# Thread Safety

Types in this package are plain data: read-safe for concurrent readers,
write-unsafe without external synchronization. The Task Store serializes all
mutation through its own locking; callers never mutate a Job/PlatformTask
obtained from a read path in place and expect it to be persisted.
*/
package types
