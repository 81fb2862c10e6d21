package livesync_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coder/quartz"

	"github.com/stridesync/stridesync/livesync"
	"github.com/stridesync/stridesync/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// signalStore signals every ListTrackable call so tests can observe ticks.
type signalStore struct {
	listed  chan struct{}
	records []livesync.TrackingRecord
}

func (s *signalStore) ListTrackable(context.Context) ([]livesync.TrackingRecord, error) {
	s.listed <- struct{}{}
	return s.records, nil
}

func (*signalStore) UpdatePushTracking(context.Context, string, int64, time.Time) error {
	return nil
}

func (*signalStore) DeleteRecord(context.Context, string) error {
	return nil
}

type noopPusher struct{}

func (noopPusher) PushUpdate(context.Context, string, json.RawMessage) (bool, error) {
	return false, nil
}

func (noopPusher) PushSilent(context.Context, string) (bool, error) {
	return false, nil
}

func TestSchedulerLifecycle(t *testing.T) {
	ctx := testutil.Context(t, testutil.WaitShort)

	clk := quartz.NewMock(t)
	trapReset := clk.Trap().TickerReset()
	defer trapReset.Close()

	cfg := livesync.DefaultConfig()
	store := &signalStore{listed: make(chan struct{}, 10)}
	s := livesync.NewScheduler(cfg, store, noopPusher{}, livesync.NewMetrics(prometheus.NewRegistry()), testutil.Logger(t), clk)
	s.Start(ctx)

	// The first tick runs immediately, without waiting an interval.
	testutil.RequireReceive(ctx, t, store.listed)
	trapReset.MustWait(ctx).MustRelease(ctx)

	// The next tick fires exactly one update interval later.
	d, wtr := clk.AdvanceNext()
	require.Equal(t, cfg.UpdateInterval.Value(), d)
	wtr.MustWait(ctx)
	testutil.RequireReceive(ctx, t, store.listed)
	trapReset.MustWait(ctx).MustRelease(ctx)

	require.NoError(t, s.Close())
}

func TestWakerLifecycle(t *testing.T) {
	ctx := testutil.Context(t, testutil.WaitShort)

	clk := quartz.NewMock(t)
	store := &signalStore{listed: make(chan struct{}, 10)}
	w := livesync.NewWaker(livesync.DefaultConfig(), store, noopPusher{}, livesync.NewMetrics(prometheus.NewRegistry()), testutil.Logger(t), clk)
	w.Start(ctx)

	testutil.RequireReceive(ctx, t, store.listed)

	// Close waits for the in-flight tick and stops cleanly.
	require.NoError(t, w.Close())
}

func TestCloseWithoutStart(t *testing.T) {
	clk := quartz.NewMock(t)
	metrics := livesync.NewMetrics(prometheus.NewRegistry())
	store := &signalStore{listed: make(chan struct{}, 1)}

	s := livesync.NewScheduler(livesync.DefaultConfig(), store, noopPusher{}, metrics, testutil.Logger(t), clk)
	require.NoError(t, s.Close())

	w := livesync.NewWaker(livesync.DefaultConfig(), store, noopPusher{}, metrics, testutil.Logger(t), clk)
	require.NoError(t, w.Close())
}
