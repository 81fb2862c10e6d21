package livesync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/coder/quartz"

	"github.com/stridesync/stridesync/apns"
)

// Waker is the silent-wake loop. On its own, coarser cadence it sends a
// background push to every record with a device token so the owning app wakes
// up and resyncs its counter from the sensor layer. It deliberately carries
// no counter value: pushing a cached number here would defeat the staleness
// detection the update scheduler relies on.
//
// The two loops share nothing in memory; they communicate only through the
// tracking store.
type Waker struct {
	cfg     Config
	store   Store
	pusher  Pusher
	metrics *Metrics
	log     slog.Logger
	clock   quartz.Clock

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

func NewWaker(cfg Config, store Store, pusher Pusher, metrics *Metrics, log slog.Logger, clock quartz.Clock) *Waker {
	return &Waker{
		cfg:     cfg.withDefaults(),
		store:   store,
		pusher:  pusher,
		metrics: metrics,
		log:     log.Named("waker").With(slog.F("waker_id", uuid.New())),
		clock:   clock,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the wake loop in the background. Ticks never overlap: the
// ticker is stopped during a tick and reset when it completes.
func (w *Waker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ticker := w.clock.NewTicker(w.cfg.WakeInterval.Value())
		ticker.Stop()
		doTick := func(start time.Time) {
			defer ticker.Reset(w.cfg.WakeInterval.Value())
			w.tick(ctx, start)
		}
		go func() {
			defer close(w.done)
			defer ticker.Stop()
			doTick(w.clock.Now())
			for {
				select {
				case <-ctx.Done():
					return
				case <-w.quit:
					return
				case tick := <-ticker.C:
					ticker.Stop()
					doTick(tick)
				}
			}
		}()
	})
}

// Close stops scheduling new ticks and waits for any in-flight tick to
// finish.
func (w *Waker) Close() error {
	w.stopOnce.Do(func() {
		close(w.quit)
	})
	w.startOnce.Do(func() {
		// Never started; nothing will close done.
		close(w.done)
	})
	<-w.done
	w.log.Info(context.Background(), "silent-wake loop stopped")
	return nil
}

func (w *Waker) tick(ctx context.Context, start time.Time) {
	records, err := w.store.ListTrackable(ctx)
	if err != nil {
		w.log.Error(ctx, "list tracking records", slog.Error(err))
		return
	}

	wakeable := records[:0]
	for _, rec := range records {
		if rec.DeviceToken != "" {
			wakeable = append(wakeable, rec)
		}
	}
	w.metrics.TickRecords.WithLabelValues(LoopWake).Set(float64(len(wakeable)))

	var misconfigured atomic.Bool
	var eg errgroup.Group
	eg.SetLimit(int(w.cfg.Concurrency.Value()))
	for _, rec := range wakeable {
		if misconfigured.Load() {
			break
		}
		eg.Go(func() error {
			if misconfigured.Load() {
				return nil
			}
			err := w.wake(ctx, rec)
			if err != nil && xerrors.Is(err, apns.ErrNotConfigured) {
				misconfigured.Store(true)
				return err
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		w.log.Error(ctx, "tick aborted", slog.Error(err))
	}

	w.metrics.TickDuration.WithLabelValues(LoopWake).Observe(w.clock.Since(start).Seconds())
	w.log.Debug(ctx, "wake tick completed", slog.F("records", len(wakeable)), slog.F("duration", w.clock.Since(start)))
}

// wake sends one silent push. Like the update path, it returns an error only
// for credential misconfiguration.
func (w *Waker) wake(ctx context.Context, rec TrackingRecord) error {
	log := w.log.With(slog.F("user_id", rec.UserID))

	sctx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout.Value())
	defer cancel()
	retryable, err := w.pusher.PushSilent(sctx, rec.DeviceToken)
	if err != nil {
		if xerrors.Is(err, apns.ErrNotConfigured) {
			return err
		}
		if retryable {
			w.metrics.Pushes.WithLabelValues(KindSilent, ResultTempFail).Inc()
			log.Warn(ctx, "wake push failed, will retry", slog.Error(err))
			return nil
		}
		// The wake channel is what keeps the counter fresh. Without it the
		// update channel would only replay stale state, so the whole record
		// goes, breaking any wake-repush-fail loop for good.
		w.metrics.Pushes.WithLabelValues(KindSilent, ResultPermFail).Inc()
		log.Warn(ctx, "device permanently unreachable, deleting tracking record", slog.Error(err))
		if err := w.store.DeleteRecord(ctx, rec.UserID); err != nil {
			log.Error(ctx, "delete tracking record", slog.Error(err))
			return nil
		}
		w.metrics.Deleted.WithLabelValues(TriggerWakePush).Inc()
		return nil
	}
	w.metrics.Pushes.WithLabelValues(KindSilent, ResultSuccess).Inc()
	log.Debug(ctx, "sent wake push")
	return nil
}
