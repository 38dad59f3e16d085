package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"hls-ondemand/internal/encoder"
	"hls-ondemand/internal/forwarder"
	"hls-ondemand/internal/orchestrator"
	"hls-ondemand/internal/platform/config"
	"hls-ondemand/internal/platform/logger"
	"hls-ondemand/internal/platform/metrics"
	"hls-ondemand/internal/segments"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	port           string
	scratchDir     string
	ffmpegPath     string
	ffprobePath    string
	preset         string
	ffmpegLogLevel string
	segmentSeconds int
	seekTimeout    time.Duration
	seekTolerance  int
	startRetries   int
	stopGrace      time.Duration
	idleTimeout    time.Duration
	evictInterval  time.Duration
	rateLimit      int
	publicBaseURL  string
	forwarderURL   string
	tvIP           string
	tvApp          string
	tvPort         int
	logLevel       string
	logFormat      string
}

func main() {
	_ = config.Load()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options

	cmd := &cobra.Command{
		Use:           "hls-ondemand",
		Short:         "On-demand HLS transcoding server for local media files",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.port, "port", config.GetEnv("PORT", "8081"), "HTTP listen port")
	f.StringVar(&o.scratchDir, "scratch-dir", config.GetEnv("SCRATCH_DIR", os.TempDir()), "root directory for per-stream segment directories")
	f.StringVar(&o.ffmpegPath, "ffmpeg", config.GetEnv("FFMPEG_PATH", "ffmpeg"), "ffmpeg binary")
	f.StringVar(&o.ffprobePath, "ffprobe", config.GetEnv("FFPROBE_PATH", "ffprobe"), "ffprobe binary")
	f.StringVar(&o.preset, "preset", config.GetEnv("FFMPEG_PRESET", "veryfast"), "x264 preset")
	f.StringVar(&o.ffmpegLogLevel, "ffmpeg-log-level", config.GetEnv("FFMPEG_LOG_LEVEL", "error"), "ffmpeg -loglevel")
	f.IntVar(&o.segmentSeconds, "segment-seconds", config.GetEnvInt("SEGMENT_SECONDS", 4), "segment duration in seconds")
	f.DurationVar(&o.seekTimeout, "seek-timeout", config.GetEnvDuration("SEEK_TIMEOUT", 30*time.Second), "how long a seek waits for its first segment")
	f.IntVar(&o.seekTolerance, "seek-tolerance", config.GetEnvInt("SEEK_TOLERANCE", 2), "segments ahead of the encoder a seek may target without a restart")
	f.IntVar(&o.startRetries, "encoder-start-retries", config.GetEnvInt("ENCODER_START_RETRIES", 1), "restarts of an encoder that dies before its first segment")
	f.DurationVar(&o.stopGrace, "encoder-stop-grace", config.GetEnvDuration("ENCODER_STOP_GRACE", 3*time.Second), "SIGTERM grace period before SIGKILL")
	f.DurationVar(&o.idleTimeout, "idle-timeout", config.GetEnvDuration("IDLE_TIMEOUT", 10*time.Minute), "evict streams idle for this long (0 disables)")
	f.DurationVar(&o.evictInterval, "evict-interval", config.GetEnvDuration("EVICT_INTERVAL", 30*time.Second), "idle eviction check interval")
	f.IntVar(&o.rateLimit, "api-rate-limit", config.GetEnvInt("API_RATE_LIMIT", 120), "per-IP requests per minute on /api (0 disables)")
	f.StringVar(&o.publicBaseURL, "public-base-url", config.GetEnv("PUBLIC_BASE_URL", ""), "origin used in returned playlist URLs")
	f.StringVar(&o.forwarderURL, "forwarder-url", config.GetEnv("FORWARDER_URL", ""), "second-screen forwarder base URL")
	f.StringVar(&o.tvIP, "tv-ip", config.GetEnv("TV_IP", ""), "TV address passed to the forwarder")
	f.StringVar(&o.tvApp, "tv-app", config.GetEnv("TV_APP", "Browser"), "TV app passed to the forwarder")
	f.IntVar(&o.tvPort, "tv-port", config.GetEnvInt("TV_PORT", 3367), "TV port passed to the forwarder")
	f.StringVar(&o.logLevel, "log-level", config.GetEnv("LOG_LEVEL", "info"), "debug, info, warn or error")
	f.StringVar(&o.logFormat, "log-format", config.GetEnv("LOG_FORMAT", "json"), "json or text")

	return cmd
}

func run(ctx context.Context, o options) error {
	log := logger.New(o.logLevel, o.logFormat)

	if o.segmentSeconds <= 0 {
		return fmt.Errorf("segment-seconds must be positive, got %d", o.segmentSeconds)
	}
	if err := os.MkdirAll(o.scratchDir, 0o750); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	if n, err := segments.Sweep(o.scratchDir, orchestrator.DirPrefix+orchestrator.StreamIDPrefix); err != nil {
		log.Warn("sweep orphaned stream directories", slog.String("error", err.Error()))
	} else if n > 0 {
		log.Info("removed orphaned stream directories", slog.Int("count", n))
	}

	met := metrics.New()
	enc := encoder.NewFFmpeg(o.ffmpegPath, o.preset, o.ffmpegLogLevel, o.stopGrace, log)
	cfg := orchestrator.SessionConfig{
		SegmentDuration: time.Duration(o.segmentSeconds) * time.Second,
		SeekTimeout:     o.seekTimeout,
		SeekTolerance:   o.seekTolerance,
		StartRetries:    o.startRetries,
		StopTimeout:     o.stopGrace + 10*time.Second,
	}
	reg := orchestrator.NewRegistry(enc, o.scratchDir, cfg, log, met)

	var fwd orchestrator.Forwarder
	if c := forwarder.New(o.forwarderURL, o.tvIP, o.tvApp, o.tvPort); c != nil {
		fwd = c
	}
	svc := orchestrator.NewService(reg, encoder.NewProber(o.ffprobePath), fwd, log, met)
	h := orchestrator.NewHandler(svc, log, met, o.publicBaseURL)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveStreams(reg.Len()) }).ServeHTTP(w, r)
	})
	r.Group(func(r chi.Router) {
		if o.rateLimit > 0 {
			r.Use(httprate.LimitByIP(o.rateLimit, time.Minute))
		}
		h.APIRoutes(r)
	})
	h.MediaRoutes(r)

	srv := &http.Server{
		Addr:              ":" + o.port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("server starting",
		slog.String("port", o.port),
		slog.String("scratch_dir", o.scratchDir),
		slog.Int("segment_seconds", o.segmentSeconds),
		slog.Duration("seek_timeout", o.seekTimeout),
		slog.Int("seek_tolerance", o.seekTolerance),
		slog.Duration("idle_timeout", o.idleTimeout),
		slog.Bool("forwarder", fwd != nil),
		slog.String("log_level", o.logLevel),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reg.Run(gctx, o.evictInterval, o.idleTimeout)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		// Closing the streams alongside the server releases seeks that would
		// otherwise hold their connections open until the seek timeout.
		var httpErr, streamsErr error
		var wg sync.WaitGroup
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				httpErr = fmt.Errorf("http shutdown: %w", err)
			}
		})
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
			defer cancel()
			if err := reg.Shutdown(ctx); err != nil {
				streamsErr = fmt.Errorf("stop streams: %w", err)
			}
		})
		wg.Wait()
		return errors.Join(httpErr, streamsErr)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", slog.String("error", err.Error()))
		return err
	}
	log.Info("server stopped")
	return nil
}
