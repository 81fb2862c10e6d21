package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/coder/quartz"
	"github.com/coder/serpent"

	"github.com/stridesync/stridesync/apns"
	"github.com/stridesync/stridesync/livesync"
	"github.com/stridesync/stridesync/trackingdb"
)

func main() {
	var (
		keyFile     string
		keyID       string
		teamID      string
		bundleID    string
		sandbox     bool
		gatewayURL  string
		dbPath      string
		metricsAddr string
		verbose     bool

		cfg = livesync.DefaultConfig()
	)

	cmd := &serpent.Command{
		Use:   "stridesyncd",
		Short: "Keep lock-screen step widgets in sync by pushing content states and waking the app to resync.",
		Options: serpent.OptionSet{
			{
				Flag:        "signing-key-file",
				Env:         "STRIDESYNC_SIGNING_KEY_FILE",
				Description: "Path to the PEM-encoded PKCS#8 ECDSA key used to sign provider tokens.",
				Value:       serpent.StringOf(&keyFile),
			},
			{
				Flag:        "key-id",
				Env:         "STRIDESYNC_KEY_ID",
				Description: "Identifier of the signing key, sent as the token's kid header.",
				Value:       serpent.StringOf(&keyID),
			},
			{
				Flag:        "team-id",
				Env:         "STRIDESYNC_TEAM_ID",
				Description: "Issuer identity for provider tokens.",
				Value:       serpent.StringOf(&teamID),
			},
			{
				Flag:        "bundle-id",
				Env:         "STRIDESYNC_BUNDLE_ID",
				Description: "Application namespace; also the base push topic.",
				Value:       serpent.StringOf(&bundleID),
			},
			{
				Flag:        "sandbox",
				Env:         "STRIDESYNC_SANDBOX",
				Description: "Send through the sandbox gateway instead of production.",
				Value:       serpent.BoolOf(&sandbox),
			},
			{
				Flag:        "gateway-url",
				Env:         "STRIDESYNC_GATEWAY_URL",
				Description: "Override the push gateway URL entirely. Takes precedence over --sandbox.",
				Value:       serpent.StringOf(&gatewayURL),
			},
			{
				Flag:        "db",
				Env:         "STRIDESYNC_DB",
				Description: "Path to the tracking SQLite database.",
				Default:     "stridesync.db",
				Value:       serpent.StringOf(&dbPath),
			},
			{
				Flag:        "prometheus-address",
				Env:         "STRIDESYNC_PROMETHEUS_ADDRESS",
				Description: "Address to serve prometheus metrics on. Empty disables the endpoint.",
				Value:       serpent.StringOf(&metricsAddr),
			},
			{
				Flag:        "update-interval",
				Env:         "STRIDESYNC_UPDATE_INTERVAL",
				Description: "Tick cadence of the widget update scheduler.",
				Value:       &cfg.UpdateInterval,
			},
			{
				Flag:        "wake-interval",
				Env:         "STRIDESYNC_WAKE_INTERVAL",
				Description: "Tick cadence of the silent-wake loop.",
				Value:       &cfg.WakeInterval,
			},
			{
				Flag:        "push-interval",
				Env:         "STRIDESYNC_PUSH_INTERVAL",
				Description: "Maximum time a widget goes without a push before one is warranted.",
				Value:       &cfg.PushInterval,
			},
			{
				Flag:        "delta-threshold",
				Env:         "STRIDESYNC_DELTA_THRESHOLD",
				Description: "Counter delta that warrants a push before the push interval elapses.",
				Value:       &cfg.DeltaThreshold,
			},
			{
				Flag:        "rate-cap",
				Env:         "STRIDESYNC_RATE_CAP",
				Description: "Upper bound on the steps-per-minute rate reported to widgets.",
				Value:       &cfg.RateCap,
			},
			{
				Flag:        "send-timeout",
				Env:         "STRIDESYNC_SEND_TIMEOUT",
				Description: "Timeout for each individual gateway round trip.",
				Value:       &cfg.SendTimeout,
			},
			{
				Flag:        "concurrency",
				Env:         "STRIDESYNC_CONCURRENCY",
				Description: "Maximum concurrent sends within one tick.",
				Value:       &cfg.Concurrency,
			},
			{
				Flag:          "verbose",
				FlagShorthand: "v",
				Env:           "STRIDESYNC_VERBOSE",
				Description:   "Enable debug logging.",
				Value:         serpent.BoolOf(&verbose),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := slog.Make(sloghuman.Sink(inv.Stderr)).Leveled(slog.LevelInfo)
			if verbose {
				logger = logger.Leveled(slog.LevelDebug)
			}

			if bundleID == "" {
				return xerrors.New("--bundle-id is required")
			}

			// Missing signing material is tolerated at startup: the loops log
			// and skip ticks until credentials appear valid, rather than
			// crash-looping the process.
			var key []byte
			if keyFile != "" {
				var err error
				key, err = os.ReadFile(keyFile)
				if err != nil {
					return xerrors.Errorf("read signing key file: %w", err)
				}
			}

			store, err := trackingdb.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			clk := quartz.NewReal()
			tokens := apns.NewTokenSource(apns.TokenConfig{
				TeamID: teamID,
				KeyID:  keyID,
				Key:    key,
			}, clk)
			client := apns.NewClient(apns.ClientConfig{
				BundleID:    bundleID,
				Development: sandbox,
				URL:         gatewayURL,
			}, tokens, logger.Named("apns"), clk)

			reg := prometheus.NewRegistry()
			metrics := livesync.NewMetrics(reg)

			scheduler := livesync.NewScheduler(cfg, store, client, metrics, logger, clk)
			waker := livesync.NewWaker(cfg, store, client, metrics, logger, clk)
			scheduler.Start(ctx)
			waker.Start(ctx)
			defer func() {
				_ = scheduler.Close()
				_ = waker.Close()
			}()

			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				defer srv.Close()
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error(ctx, "prometheus endpoint failed", slog.Error(err))
					}
				}()
			}

			logger.Info(ctx, "stridesyncd started",
				slog.F("db", dbPath),
				slog.F("sandbox", sandbox),
				slog.F("update_interval", cfg.UpdateInterval),
				slog.F("wake_interval", cfg.WakeInterval),
			)
			<-ctx.Done()
			logger.Info(context.Background(), "shutting down")
			return nil
		},
	}

	if err := cmd.Invoke().WithOS().Run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
