package livesync

import (
	"context"
	"encoding/json"
	"time"
)

// TrackingRecord is one user's widget tracking row. The counter fields are
// owned by the app's resync path; the push-tracking fields are owned by the
// scheduler and are only ever written after a confirmed successful send.
type TrackingRecord struct {
	UserID string

	// PushToken addresses the live widget. Empty when the user has no active
	// widget; such records are never selected for update pushes.
	PushToken string
	// DeviceToken wakes the owning app. Its lifecycle is independent of
	// PushToken: either may exist without the other.
	DeviceToken string

	// StepCount and StepGoal are the most recently synced true values.
	StepCount int64
	StepGoal  int64
	// LastSyncAt is when the counter was last trusted. Zero means the app has
	// never synced; a value from a previous calendar day marks the record
	// stale and forces a reset push.
	LastSyncAt time.Time

	// LastPushedValue and LastPushAt describe the last successful push, which
	// is distinct from the last sync. LastPushedValue is never interpolated
	// or estimated.
	LastPushedValue int64
	LastPushAt      time.Time
}

// Store is the narrow contract over the persisted tracking rows. Both loops
// consume it; they share no other state.
type Store interface {
	// ListTrackable returns every record with a push or device token. Callers
	// filter further for their own channel.
	ListTrackable(ctx context.Context) ([]TrackingRecord, error)
	// UpdatePushTracking records a confirmed successful push. It must not
	// touch the counter fields.
	UpdatePushTracking(ctx context.Context, userID string, value int64, sentAt time.Time) error
	// DeleteRecord removes a user's tracking row entirely.
	DeleteRecord(ctx context.Context, userID string) error
}

// Pusher is the delivery half of the pipeline, implemented by apns.Client.
// The retryable flag follows the dispatch contract: a false flag alongside a
// non-nil error means the destination is permanently invalid and gates record
// deletion.
type Pusher interface {
	PushUpdate(ctx context.Context, pushToken string, contentState json.RawMessage) (retryable bool, err error)
	PushSilent(ctx context.Context, deviceToken string) (retryable bool, err error)
}
