// Package state implements every Redis-resident structure the syncer owns:
// the conscious-state document access layer, the bidirectional identity
// mapping tables with their sidecars, the operation queues, and the bounded
// diagnostic logs.
//
// Key names are stable contracts with the upstream agent runtime; they are
// centralized here and must not change.
package state

// Redis key namespace (see the external-interface contract).
const (
	KeyGlobalState    = "agent_state/global"
	KeyConvPrefix     = "agent_state/conv/"
	KeyTaskPrefix     = "tasks/"
	KeyForwardMap     = "map/agent_to_remote"
	KeyReverseMap     = "map/remote_to_agent"
	KeyBoundAt        = "map/bound_at"
	KeyETagPrefix     = "etag/"
	KeyLastUploadPfx  = "last_upload/"
	KeyCachedRemotPfx = "cached_remote/"
	KeyPendingOps     = "pending_ops"
	KeyFailedOps      = "failed_ops"
	KeySyncLog        = "sync_log"
	KeyWebhookLog     = "webhook_log"
	KeyHealth         = "health"
	KeyTokenPrefix    = "token/"
	KeySubPrefix      = "sub/"
	KeyMetaPrefix     = "meta/"
)

// Pub/sub channels.
const (
	ChannelTaskUpdates = "tasks/updates"
	ChannelSync        = "tasks/sync"
)

// Bounds for the diagnostic logs and the failed-op queue.
const (
	SyncLogMax    = 500
	WebhookLogMax = 500
	FailedOpsMax  = 1000
)
