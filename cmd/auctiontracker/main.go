// Command auctiontracker is the composition root: it wires the State
// Store, Upstream Client, Circuit Breaker, Polling Scheduler, Stream
// Client, Event Bus, Auth State and Auction Monitor together and runs
// them until SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/rivalapexmediation/auctiontracker/internal/auth"
	"github.com/rivalapexmediation/auctiontracker/internal/breaker"
	"github.com/rivalapexmediation/auctiontracker/internal/cryptutil"
	"github.com/rivalapexmediation/auctiontracker/internal/eventbus"
	"github.com/rivalapexmediation/auctiontracker/internal/flags"
	"github.com/rivalapexmediation/auctiontracker/internal/metrics"
	"github.com/rivalapexmediation/auctiontracker/internal/monitor"
	"github.com/rivalapexmediation/auctiontracker/internal/scheduler"
	"github.com/rivalapexmediation/auctiontracker/internal/store"
	"github.com/rivalapexmediation/auctiontracker/internal/stream"
	"github.com/rivalapexmediation/auctiontracker/internal/tracing"
	"github.com/rivalapexmediation/auctiontracker/internal/upstream"
)

// handlerRef forwards stream.Handler calls to whichever Monitor is set
// after construction, breaking the Monitor/stream.Client construction
// cycle (the Monitor needs a live stream.Client and the stream.Client
// needs a live Handler).
type handlerRef struct {
	target stream.Handler
}

func (h *handlerRef) HandleEvent(auctionID string, productID int64, ev stream.Event) {
	h.target.HandleEvent(auctionID, productID, ev)
}

func (h *handlerRef) HandleFallback(auctionID string, productID int64) {
	h.target.HandleFallback(auctionID, productID)
}

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)

	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       0,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("main: redis unreachable at startup, state store falls back to memory")
	}

	sealer, err := cryptutil.NewSealer([]byte(getEnv("COOKIE_SECRET", "dev-only-secret-change-me")))
	if err != nil {
		log.Fatalf("main: cryptutil.NewSealer: %v", err)
	}

	st := store.New(redisClient, sealer)
	go st.Reconnect(ctx, 10*time.Second)

	flagDefaults := map[string]bool{
		flags.UseStream:         true,
		flags.UsePollingQueue:   true,
		flags.UseCircuitBreaker: true,
	}
	flagRegistry := flags.New(redisClient, flagDefaults)
	go flagRegistry.Start(ctx, 30*time.Second)

	// Constructed unconditionally so every recorder call below has a live
	// sink to write into; PROM_EXPORTER_ENABLED only gates whether anything
	// scrapes it.
	m := metrics.New("auctiontracker")

	brk := breaker.New(breaker.WithMetrics(m))
	brk.SetEnabled(flagRegistry.IsEnabled(flags.UseCircuitBreaker))

	upstreamClient := upstream.NewClient(
		mustEnv("AUCTION_SNAPSHOT_URL_TEMPLATE"),
		mustEnv("AUCTION_BID_URL"),
		getEnv("AUCTION_REFERER_TEMPLATE", ""),
	)

	sched := scheduler.New()
	if !flagRegistry.IsEnabled(flags.UsePollingQueue) {
		sched = sched.WithLegacyMode()
	}

	bus := eventbus.New()

	ref := &handlerRef{}
	streamClient := stream.NewClient(mustEnv("AUCTION_STREAM_URL_TEMPLATE"), ref, stream.WithMetrics(m))

	mon := monitor.New(st, brk, upstreamClient, sched, streamClient, bus,
		monitor.WithStreamEnabled(flagRegistry.IsEnabled(flags.UseStream)),
		monitor.WithMetrics(m),
	)
	ref.target = mon

	authState := auth.New(st, mon, auth.WithMetrics(m))
	authState.Recover(ctx)
	if cookies, ok := authState.Cookies(); ok {
		upstreamClient.Authenticate(cookies)
	}

	if err := mon.Initialize(ctx); err != nil {
		log.WithError(err).Error("main: monitor.Initialize failed")
	}

	if boolEnv("PROM_EXPORTER_ENABLED", false) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{
			Addr:         ":" + getEnv("METRICS_PORT", "9090"),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Infof("main: prometheus exporter listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("main: metrics server failed")
			}
		}()
	}

	if tracing.InstallOTLP() {
		log.Info("main: OTLP tracer installed")
	}

	pollCtx, cancelPoll := context.WithCancel(ctx)
	go runPollLoop(pollCtx, sched, mon, m)

	evictTicker := time.NewTicker(30 * time.Second)
	go func() {
		for {
			select {
			case <-pollCtx.Done():
				evictTicker.Stop()
				return
			case <-evictTicker.C:
				mon.EvictExpired(time.Now())
			}
		}
	}()

	healthTicker := time.NewTicker(15 * time.Second)
	go func() {
		for {
			select {
			case <-pollCtx.Done():
				healthTicker.Stop()
				return
			case <-healthTicker.C:
				m.SetHealthy(st.IsHealthy())
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("main: shutting down")
	cancelPoll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mon.Shutdown(shutdownCtx)

	log.Info("main: exited")
}

// runPollLoop drains the scheduler's due auctions once a second, polling
// each through the Monitor. One goroutine, sequential per tick: the
// Monitor's per-auction mutex makes concurrent ticks safe too, but
// keeping the driver single-threaded avoids a burst of goroutines when
// many auctions come due on the same tick.
func runPollLoop(ctx context.Context, sched *scheduler.Scheduler, mon *monitor.Monitor, m *metrics.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			for _, id := range sched.Due() {
				mon.Poll(ctx, id)
			}
			m.QueueDepth.Set(float64(sched.Len()))
			m.QueueProcessingTime.Observe(time.Since(start).Seconds())
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("main: required environment variable %s is not set", key)
	}
	return value
}

func boolEnv(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return v
}
