package trackingdb_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridesync/stridesync/testutil"
	"github.com/stridesync/stridesync/trackingdb"
)

func openTestDB(t *testing.T) *trackingdb.DB {
	t.Helper()
	db, err := trackingdb.Open(filepath.Join(t.TempDir(), "tracking.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})
	return db
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	db := openTestDB(t)

	syncedAt := time.Date(2025, 6, 10, 9, 30, 0, 0, time.UTC)
	require.NoError(t, db.RegisterPushToken(ctx, "user-1", "push-1"))
	require.NoError(t, db.RegisterDeviceToken(ctx, "user-1", "device-1"))
	require.NoError(t, db.UpsertCounterState(ctx, "user-1", 4200, 10000, syncedAt))

	records, err := db.ListTrackable(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, "push-1", rec.PushToken)
	assert.Equal(t, "device-1", rec.DeviceToken)
	assert.EqualValues(t, 4200, rec.StepCount)
	assert.EqualValues(t, 10000, rec.StepGoal)
	assert.True(t, rec.LastSyncAt.Equal(syncedAt))
	assert.Zero(t, rec.LastPushedValue)
	assert.True(t, rec.LastPushAt.IsZero())
}

func TestUpdatePushTrackingPreservesCounter(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	db := openTestDB(t)

	syncedAt := time.Date(2025, 6, 10, 9, 30, 0, 0, time.UTC)
	sentAt := syncedAt.Add(5 * time.Minute)
	require.NoError(t, db.RegisterPushToken(ctx, "user-1", "push-1"))
	require.NoError(t, db.UpsertCounterState(ctx, "user-1", 4200, 10000, syncedAt))
	require.NoError(t, db.UpdatePushTracking(ctx, "user-1", 4200, sentAt))

	records, err := db.ListTrackable(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.EqualValues(t, 4200, records[0].LastPushedValue)
	assert.True(t, records[0].LastPushAt.Equal(sentAt))
	// Counter fields are owned by the resync path and must survive untouched.
	assert.EqualValues(t, 4200, records[0].StepCount)
	assert.True(t, records[0].LastSyncAt.Equal(syncedAt))
}

func TestListSelection(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	db := openTestDB(t)

	// A row with only counter state has no delivery channel and is invisible
	// to both loops.
	require.NoError(t, db.UpsertCounterState(ctx, "counter-only", 100, 1000, time.Now()))
	// Device-only rows are listed: they are still wakeable.
	require.NoError(t, db.RegisterDeviceToken(ctx, "device-only", "device-2"))

	records, err := db.ListTrackable(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "device-only", records[0].UserID)
	assert.Empty(t, records[0].PushToken)
}

func TestClearingTokens(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	db := openTestDB(t)

	require.NoError(t, db.RegisterPushToken(ctx, "user-1", "push-1"))
	require.NoError(t, db.RegisterDeviceToken(ctx, "user-1", "device-1"))
	require.NoError(t, db.UpsertCounterState(ctx, "user-1", 4200, 10000, time.Now()))

	// Clearing the widget channel keeps the row wakeable.
	require.NoError(t, db.RegisterPushToken(ctx, "user-1", ""))
	records, err := db.ListTrackable(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].PushToken)
	assert.Equal(t, "device-1", records[0].DeviceToken)
	// Counter history survives channel removal.
	assert.EqualValues(t, 4200, records[0].StepCount)

	// Clearing the last channel makes the row invisible to the loops.
	require.NoError(t, db.RegisterDeviceToken(ctx, "user-1", ""))
	records, err = db.ListTrackable(ctx)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestDeleteRecord(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	db := openTestDB(t)

	require.NoError(t, db.RegisterPushToken(ctx, "user-1", "push-1"))
	require.NoError(t, db.DeleteRecord(ctx, "user-1"))

	records, err := db.ListTrackable(ctx)
	require.NoError(t, err)
	require.Empty(t, records)

	// Deleting an absent record is not an error.
	require.NoError(t, db.DeleteRecord(ctx, "user-1"))
}
