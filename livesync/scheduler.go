package livesync

import (
	"context"
	"encoding/json"
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

// Scheduler is the adaptive update loop. On each tick it loads all tracking
// records, decides per record whether a push is warranted (elapsed time or
// counter delta), sends the content state, and writes back the push-tracking
// fields - or deletes the record when the gateway reports the destination as
// permanently invalid.
//
// The scheduler keeps no state between ticks beyond what the store holds;
// every tick re-evaluates records from scratch.
type Scheduler struct {
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

func NewScheduler(cfg Config, store Store, pusher Pusher, metrics *Metrics, log slog.Logger, clock quartz.Clock) *Scheduler {
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		store:   store,
		pusher:  pusher,
		metrics: metrics,
		log:     log.Named("scheduler").With(slog.F("scheduler_id", uuid.New())),
		clock:   clock,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the tick loop in the background. Only one tick runs at a
// time by construction: the ticker is stopped while a tick executes and reset
// once it completes, so a slow tick delays the next instead of overlapping
// it.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ticker := s.clock.NewTicker(s.cfg.UpdateInterval.Value())
		ticker.Stop()
		doTick := func(start time.Time) {
			defer ticker.Reset(s.cfg.UpdateInterval.Value())
			s.tick(ctx, start)
		}
		go func() {
			defer close(s.done)
			defer ticker.Stop()
			doTick(s.clock.Now())
			for {
				select {
				case <-ctx.Done():
					return
				case <-s.quit:
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
// finish. In-flight sends are not canceled; canceling the context passed to
// Start is the ungraceful path.
func (s *Scheduler) Close() error {
	s.stopOnce.Do(func() {
		close(s.quit)
	})
	s.startOnce.Do(func() {
		// Never started; nothing will close done.
		close(s.done)
	})
	<-s.done
	s.log.Info(context.Background(), "update scheduler stopped")
	return nil
}

// tick processes all tracking records once. Each record is isolated: a
// failure on one must not prevent evaluation of the rest. The only exception
// is missing signing credentials, which fail every send identically, so the
// remainder of the tick is skipped and retried from scratch next tick.
func (s *Scheduler) tick(ctx context.Context, start time.Time) {
	records, err := s.store.ListTrackable(ctx)
	if err != nil {
		s.log.Error(ctx, "list tracking records", slog.Error(err))
		return
	}
	s.metrics.TickRecords.WithLabelValues(LoopUpdate).Set(float64(len(records)))

	var misconfigured atomic.Bool
	var eg errgroup.Group
	eg.SetLimit(int(s.cfg.Concurrency.Value()))
	for _, rec := range records {
		if misconfigured.Load() {
			break
		}
		eg.Go(func() error {
			if misconfigured.Load() {
				return nil
			}
			err := s.processRecord(ctx, rec, start)
			if err != nil && xerrors.Is(err, apns.ErrNotConfigured) {
				misconfigured.Store(true)
				return err
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		s.log.Error(ctx, "tick aborted", slog.Error(err))
	}

	s.metrics.TickDuration.WithLabelValues(LoopUpdate).Observe(s.clock.Since(start).Seconds())
	s.log.Debug(ctx, "tick completed", slog.F("records", len(records)), slog.F("duration", s.clock.Since(start)))
}

// processRecord evaluates one record and sends at most one push. It returns
// an error only for credential misconfiguration; delivery and store failures
// are handled at this boundary.
func (s *Scheduler) processRecord(ctx context.Context, rec TrackingRecord, now time.Time) error {
	plan := planPush(rec, s.cfg, now)
	if !plan.send {
		return nil
	}
	log := s.log.With(slog.F("user_id", rec.UserID))

	kind := KindUpdate
	if plan.reset {
		kind = KindReset
	}

	state, err := json.Marshal(plan.state)
	if err != nil {
		log.Error(ctx, "marshal content state", slog.Error(err))
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout.Value())
	defer cancel()
	retryable, err := s.pusher.PushUpdate(sctx, rec.PushToken, state)
	if err != nil {
		if xerrors.Is(err, apns.ErrNotConfigured) {
			return err
		}
		if retryable {
			// Leave the tracking fields untouched; the next qualifying tick
			// retries naturally.
			s.metrics.Pushes.WithLabelValues(kind, ResultTempFail).Inc()
			log.Warn(ctx, "push failed, will retry", slog.F("kind", kind), slog.Error(err))
			return nil
		}
		s.metrics.Pushes.WithLabelValues(kind, ResultPermFail).Inc()
		log.Warn(ctx, "destination permanently invalid, deleting tracking record", slog.Error(err))
		if err := s.store.DeleteRecord(ctx, rec.UserID); err != nil {
			log.Error(ctx, "delete tracking record", slog.Error(err))
			return nil
		}
		s.metrics.Deleted.WithLabelValues(TriggerUpdatePush).Inc()
		return nil
	}
	s.metrics.Pushes.WithLabelValues(kind, ResultSuccess).Inc()
	log.Debug(ctx, "pushed content state",
		slog.F("kind", kind),
		slog.F("count", plan.state.Count),
		slog.F("rate", plan.state.StepsPerMinute),
	)

	if err := s.store.UpdatePushTracking(ctx, rec.UserID, plan.state.Count, now); err != nil {
		// The push went out; losing the write-back only means the next tick
		// evaluates against slightly older tracking state.
		log.Error(ctx, "record push tracking", slog.Error(err))
	}
	return nil
}

type pushPlan struct {
	send  bool
	reset bool
	state ContentState
}

// planPush evaluates the trigger conditions for one record. It is a pure
// function of the record, config, and the tick timestamp.
func planPush(rec TrackingRecord, cfg Config, now time.Time) pushPlan {
	if rec.PushToken == "" {
		return pushPlan{}
	}
	if staleSync(rec.LastSyncAt, now) {
		// The counter is from a previous day. Until the app resyncs, the
		// widget must show zero rather than yesterday's value as if live.
		return pushPlan{
			send:  true,
			reset: true,
			state: newContentState(0, rec.StepGoal, 0, now),
		}
	}
	if rec.LastSyncAt.IsZero() {
		// Never synced; nothing meaningful to show yet.
		return pushPlan{}
	}

	delta := rec.StepCount - rec.LastPushedValue
	if delta < 0 {
		delta = -delta
	}
	elapsed := now.Sub(rec.LastPushAt)
	firstPush := rec.LastPushAt.IsZero()
	if !firstPush && elapsed < cfg.PushInterval.Value() && delta < cfg.DeltaThreshold.Value() {
		return pushPlan{}
	}

	var rate float64
	if !firstPush {
		rate = pushRate(rec.StepCount, rec.LastPushedValue, elapsed, cfg.RateCap.Value())
	}
	return pushPlan{
		send:  true,
		state: newContentState(rec.StepCount, rec.StepGoal, rate, now),
	}
}

// staleSync reports whether the last trusted sync happened on a calendar day
// other than now's. A zero time is "never synced", not stale.
func staleSync(lastSync, now time.Time) bool {
	if lastSync.IsZero() {
		return false
	}
	y1, m1, d1 := lastSync.In(now.Location()).Date()
	y2, m2, d2 := now.Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}
