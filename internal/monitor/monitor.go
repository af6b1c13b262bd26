// Package monitor implements the Auction Monitor (component C6): the
// orchestrator and single writer of every auction record. It merges
// updates arriving from the Scheduler (poll) or Stream Client (push),
// detects lifecycle transitions, runs the bidding decision, and emits
// events to the Event Bus.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/rivalapexmediation/auctiontracker/internal/eventbus"
	"github.com/rivalapexmediation/auctiontracker/internal/model"
	"github.com/rivalapexmediation/auctiontracker/internal/scheduler"
	"github.com/rivalapexmediation/auctiontracker/internal/stream"
	"github.com/rivalapexmediation/auctiontracker/internal/tracing"
	"github.com/rivalapexmediation/auctiontracker/internal/upstream"
)

// Clock abstracts time.Now; Sleep abstracts retry backoff waits, both
// injectable so bid-retry tests run without real delays.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Sleeper waits for d or until ctx is cancelled. Tests inject a no-op
// sleeper to make bounded-retry bidding deterministic and fast.
type Sleeper func(ctx context.Context, d time.Duration)

func realSleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Store is the subset of internal/store.Store the Monitor depends on.
type Store interface {
	SaveAuction(ctx context.Context, id string, rec model.Record) error
	GetAllAuctions(ctx context.Context) (map[string]model.Record, error)
	RemoveAuction(ctx context.Context, id string) error
	AppendBidHistory(ctx context.Context, id string, entry model.BidHistoryEntry) error
	GetSettings(ctx context.Context) model.Settings
}

// Breaker is the subset of internal/breaker.Breaker the Monitor depends on.
type Breaker interface {
	Do(fn func() (upstream.ErrorType, error)) (upstream.ErrorType, error)
}

// UpstreamClient is the subset of internal/upstream.Client the Monitor
// depends on for placing bids and reconciling snapshots.
type UpstreamClient interface {
	PlaceBid(ctx context.Context, productID, amount int64) upstream.BidResult
	GetAuctionData(ctx context.Context, productID int64) (model.Snapshot, upstream.ErrorType, error)
}

// Scheduler is the subset of internal/scheduler.Scheduler the Monitor
// drives directly.
type Scheduler interface {
	Upsert(auctionID string, timeRemaining time.Duration, isWinning bool, consecutivePollErrors int)
	UpsertFixedInterval(auctionID string, interval, timeRemaining time.Duration, isWinning bool, consecutivePollErrors int)
	Remove(auctionID string)
}

// scheduleNext re-arms the scheduler entry for rec, converting the
// snapshot's second-granularity TimeRemaining into a time.Duration. While
// the stream path is live for this auction, polling relaxes to the
// stream's safety-net floor instead of the full graduated rate (§4.5).
func (m *Monitor) scheduleNext(rec model.Record) {
	timeRemaining := time.Duration(rec.Data.TimeRemaining) * time.Second
	if m.useStream && rec.UseStream {
		m.scheduler.UpsertFixedInterval(rec.ID, stream.SafetyNetInterval(), timeRemaining, rec.Data.IsWinning, rec.ConsecutivePollErrors)
		return
	}
	m.scheduler.Upsert(rec.ID, timeRemaining, rec.Data.IsWinning, rec.ConsecutivePollErrors)
}

// StreamClient is the subset of internal/stream.Client the Monitor drives.
type StreamClient interface {
	Start(auctionID string, productID int64)
	Stop(auctionID string)
}

// Bus is the subset of internal/eventbus.Bus the Monitor publishes to.
type Bus interface {
	Publish(ev eventbus.Event)
}

// MetricsSink receives the counters §6 attributes to the Monitor. Optional;
// a nil sink is a no-op.
type MetricsSink interface {
	RecordUpdate(source string)
	RecordBid(strategy, outcome string, latency time.Duration)
}

type recordState struct {
	mu            sync.Mutex
	record        model.Record
	retryAttempts int

	// lastFetchedAt is when the currently-applied snapshot was fetched,
	// guarding against a slow poll response overwriting a newer stream
	// update that completed first (§4.6 step 3).
	lastFetchedAt time.Time

	// removedAt marks a terminal record pending eviction; zero means the
	// record is still live. Set on ended-transition or explicit removal,
	// cleared only by eviction (I2).
	removedAt time.Time
}

// Monitor is the auction lifecycle orchestrator.
type Monitor struct {
	mu      sync.RWMutex
	records map[string]*recordState

	store     Store
	breaker   Breaker
	upstream  UpstreamClient
	scheduler Scheduler
	stream    StreamClient
	bus       Bus

	clock   Clock
	sleeper Sleeper

	useStream bool
	metrics   MetricsSink
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

func WithClock(c Clock) Option     { return func(m *Monitor) { m.clock = c } }
func WithSleeper(s Sleeper) Option { return func(m *Monitor) { m.sleeper = s } }
func WithStreamEnabled(enabled bool) Option {
	return func(m *Monitor) { m.useStream = enabled }
}

// WithMetrics wires a sink for the auction_updates_total and bids_total/
// bid_latency_seconds metrics (§6).
func WithMetrics(m MetricsSink) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

func (m *Monitor) recordBid(strategy model.Strategy, outcome string, latency time.Duration) {
	if m.metrics != nil {
		m.metrics.RecordBid(string(strategy), outcome, latency)
	}
}

// New builds a Monitor wired to its collaborators.
func New(store Store, brk Breaker, up UpstreamClient, sched Scheduler, strm StreamClient, bus Bus, opts ...Option) *Monitor {
	m := &Monitor{
		records:   make(map[string]*recordState),
		store:     store,
		breaker:   brk,
		upstream:  up,
		scheduler: sched,
		stream:    strm,
		bus:       bus,
		clock:     realClock{},
		sleeper:   realSleep,
		useStream: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize loads persisted auctions, drops those already ended, and
// re-arms the scheduler and stream client for the rest.
func (m *Monitor) Initialize(ctx context.Context) error {
	recs, err := m.store.GetAllAuctions(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status == model.StatusEnded {
			continue
		}
		m.mu.Lock()
		m.records[rec.ID] = &recordState{record: rec}
		m.mu.Unlock()
		m.arm(rec)
	}
	return nil
}

func (m *Monitor) arm(rec model.Record) {
	m.scheduleNext(rec)
	if m.useStream && rec.UseStream {
		m.stream.Start(rec.ID, rec.ProductID)
	}
}

// AddAuction registers a new auction. Returns added=false (I1) if the
// auction is already monitored, without altering its state.
func (m *Monitor) AddAuction(ctx context.Context, id string, productID int64, config model.BiddingConfig, metadata model.Metadata) (bool, error) {
	m.mu.Lock()
	if _, exists := m.records[id]; exists {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	if err := ValidateConfig(config); err != nil {
		return false, err
	}

	rec := model.Record{
		ID:        id,
		ProductID: productID,
		Config:    config,
		Metadata:  metadata,
		Status:    model.StatusMonitoring,
		Data: model.Snapshot{
			NextBid: 1,
		},
		LastUpdate:      m.clock.Now(),
		UseStream:       true,
		FallbackPolling: true,
	}

	m.mu.Lock()
	if _, exists := m.records[id]; exists {
		m.mu.Unlock()
		return false, nil
	}
	m.records[id] = &recordState{record: rec}
	m.mu.Unlock()

	if err := m.store.SaveAuction(ctx, id, rec); err != nil {
		log.WithError(err).WithField("auction_id", id).Warn("monitor: save on add failed")
	}
	m.arm(rec)
	return true, nil
}

// RemoveAuction stops scheduling and streaming and removes the persisted
// record. The in-memory record is retained until EvictExpired's retention
// window elapses so late fan-out can still reach subscribers (I2).
func (m *Monitor) RemoveAuction(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	rs, exists := m.records[id]
	m.mu.RUnlock()
	if !exists {
		return false, nil
	}

	m.scheduler.Remove(id)
	m.stream.Stop(id)
	if err := m.store.RemoveAuction(ctx, id); err != nil {
		log.WithError(err).WithField("auction_id", id).Warn("monitor: remove failed")
	}

	rs.mu.Lock()
	if rs.removedAt.IsZero() {
		rs.removedAt = m.clock.Now()
	}
	rs.mu.Unlock()
	return true, nil
}

// EvictExpired drops in-memory records whose retention window (I2) has
// elapsed since they entered a terminal state, via ended-transition or
// explicit removal. Callers (the composition root) should invoke this on a
// periodic tick; it is not run automatically.
func (m *Monitor) EvictExpired(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rs := range m.records {
		rs.mu.Lock()
		expired := !rs.removedAt.IsZero() && now.Sub(rs.removedAt) >= model.EndedRetention
		rs.mu.Unlock()
		if expired {
			delete(m.records, id)
		}
	}
}

// ConfigPatch is a partial update to a BiddingConfig; nil fields are left
// unchanged.
type ConfigPatch struct {
	Strategy   *model.Strategy
	MaxBid     *int64
	Increment  *int64
	Enabled    *bool
	DailyLimit *int64
	TotalLimit *int64
}

// UpdateAuctionConfig merges partial into the auction's config, validates
// the result, and persists it.
func (m *Monitor) UpdateAuctionConfig(ctx context.Context, id string, partial ConfigPatch) (model.BiddingConfig, error) {
	m.mu.RLock()
	rs, exists := m.records[id]
	m.mu.RUnlock()
	if !exists {
		return model.BiddingConfig{}, fmt.Errorf("monitor: auction %s not monitored", id)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	cfg := rs.record.Config
	if partial.Strategy != nil {
		cfg.Strategy = *partial.Strategy
	}
	if partial.MaxBid != nil {
		cfg.MaxBid = *partial.MaxBid
	}
	if partial.Increment != nil {
		cfg.Increment = *partial.Increment
	}
	if partial.Enabled != nil {
		cfg.Enabled = *partial.Enabled
	}
	if partial.DailyLimit != nil {
		cfg.DailyLimit = *partial.DailyLimit
	}
	if partial.TotalLimit != nil {
		cfg.TotalLimit = *partial.TotalLimit
	}

	if err := ValidateConfig(cfg); err != nil {
		return model.BiddingConfig{}, err
	}

	// Raising maxBid above a previously latched threshold re-arms bidding.
	if rs.record.MaxBidReached && cfg.MaxBid > rs.record.Config.MaxBid {
		rs.record.MaxBidReached = false
	}
	rs.record.Config = cfg

	if err := m.store.SaveAuction(ctx, id, rs.record); err != nil {
		log.WithError(err).WithField("auction_id", id).Warn("monitor: save on config update failed")
	}
	return cfg, nil
}

// GetMonitoredAuctions returns a snapshot of every tracked record, excluding
// those pending eviction after removeAuction or an ended transition.
func (m *Monitor) GetMonitoredAuctions() []model.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Record, 0, len(m.records))
	for _, rs := range m.records {
		rs.mu.Lock()
		if rs.removedAt.IsZero() {
			out = append(out, rs.record)
		}
		rs.mu.Unlock()
	}
	return out
}

// GetMonitoredCount returns the number of actively monitored auctions,
// excluding those pending eviction.
func (m *Monitor) GetMonitoredCount() int {
	return len(m.GetMonitoredAuctions())
}

// GetMemoryStats returns an observability snapshot of in-memory state,
// including records retained only for pending fan-out.
func (m *Monitor) GetMemoryStats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	monitoring, ended, pendingEviction := 0, 0, 0
	for _, rs := range m.records {
		rs.mu.Lock()
		switch {
		case !rs.removedAt.IsZero():
			pendingEviction++
		case rs.record.Status == model.StatusEnded:
			ended++
		default:
			monitoring++
		}
		rs.mu.Unlock()
	}
	return map[string]any{
		"totalAuctions":   len(m.records),
		"monitoring":      monitoring,
		"ended":           ended,
		"pendingEviction": pendingEviction,
	}
}

// Shutdown stops all schedules and streams. The scheduler/stream client
// own their own goroutine teardown; this just detaches the Monitor.
func (m *Monitor) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.records {
		m.scheduler.Remove(id)
		m.stream.Stop(id)
	}
}

// AuthRequired implements auth.EventSink: broadcasts the authRequired
// event to all subscribers.
func (m *Monitor) AuthRequired() {
	m.bus.Publish(eventbus.Event{Kind: eventbus.AuthRequired})
}

// HandleEvent implements stream.Handler: routes a parsed SSE frame into
// the update pipeline.
func (m *Monitor) HandleEvent(auctionID string, productID int64, ev stream.Event) {
	ctx := context.Background()
	switch ev.Name {
	case "bidUpdate":
		// The upstream pushes partial snapshots; a full GET reconciles
		// fields the frame omits. Safety-net polling (§4.5) covers misses.
		fetchedAt := m.clock.Now()
		snap, et, err := m.fetchSnapshot(ctx, productID)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"auction_id": auctionID, "error_type": et}).Warn("stream: reconcile fetch failed")
			return
		}
		_ = m.UpdateAuction(ctx, auctionID, snap, model.SourceStream, fetchedAt)
	case "auctionClosed":
		fetchedAt := m.clock.Now()
		snap, _, err := m.fetchSnapshot(ctx, productID)
		if err != nil {
			return
		}
		snap.IsClosed = true
		_ = m.UpdateAuction(ctx, auctionID, snap, model.SourceStream, fetchedAt)
	}
}

// HandleFallback implements stream.Handler: stream reconnection gave up,
// so polling takes over exclusively.
func (m *Monitor) HandleFallback(auctionID string, productID int64) {
	m.mu.RLock()
	rs, exists := m.records[auctionID]
	m.mu.RUnlock()
	if !exists {
		return
	}
	rs.mu.Lock()
	rs.record.UseStream = false
	rs.record.FallbackPolling = true
	rec := rs.record
	rs.mu.Unlock()

	m.scheduleNext(rec)
	if err := m.store.SaveAuction(context.Background(), auctionID, rec); err != nil {
		log.WithError(err).WithField("auction_id", auctionID).Warn("monitor: save on stream fallback failed")
	}
}

func (m *Monitor) fetchSnapshot(ctx context.Context, productID int64) (model.Snapshot, upstream.ErrorType, error) {
	return m.upstream.GetAuctionData(ctx, productID)
}

// Poll is invoked by the Scheduler worker for a due auction: fetches a
// fresh snapshot through the breaker-wrapped upstream client and feeds it
// into the update pipeline.
func (m *Monitor) Poll(ctx context.Context, auctionID string) {
	m.mu.RLock()
	rs, exists := m.records[auctionID]
	m.mu.RUnlock()
	if !exists {
		return
	}
	rs.mu.Lock()
	productID := rs.record.ProductID
	rs.mu.Unlock()

	fetchedAt := m.clock.Now()
	snap, et, err := m.fetchSnapshot(ctx, productID)
	if err != nil {
		rs.mu.Lock()
		rs.record.ConsecutivePollErrors++
		rec := rs.record
		rs.mu.Unlock()
		log.WithError(err).WithFields(log.Fields{"auction_id": auctionID, "error_type": et}).Warn("monitor: poll failed")
		m.scheduleNext(rec)
		return
	}
	_ = m.UpdateAuction(ctx, auctionID, snap, model.SourcePoll, fetchedAt)
}

// UpdateAuction runs the merge/transition/persist/emit/bid pipeline for one
// incoming snapshot (§4.6), fetched at fetchedAt.
func (m *Monitor) UpdateAuction(ctx context.Context, id string, snap model.Snapshot, source model.UpdateSource, fetchedAt time.Time) error {
	m.mu.RLock()
	rs, exists := m.records[id]
	m.mu.RUnlock()
	if !exists {
		return nil
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if snap.CurrentBid < rs.record.Data.CurrentBid {
		return nil // stale/regressive, rejected per I5
	}
	if !rs.lastFetchedAt.IsZero() && fetchedAt.Before(rs.lastFetchedAt) {
		return nil // a newer update already applied (out-of-order poll/stream delivery)
	}

	if m.metrics != nil {
		m.metrics.RecordUpdate(string(source))
	}

	wasWinning := rs.record.Data.IsWinning
	rs.record.Data = snap
	rs.record.UpdateSource = source
	rs.record.LastUpdate = m.clock.Now()
	rs.record.ConsecutivePollErrors = 0
	rs.lastFetchedAt = fetchedAt

	if wasWinning && !snap.IsWinning {
		m.bus.Publish(eventbus.Event{Kind: eventbus.Outbid, AuctionID: id, Payload: snap})
	}

	if (snap.IsClosed || snap.TimeRemaining <= 0) && rs.record.Status != model.StatusEnded {
		rs.record.Status = model.StatusEnded
		rs.record.EndedAt = m.clock.Now()
		m.scheduler.Remove(id)
		m.stream.Stop(id)
		rs.removedAt = m.clock.Now()
		m.bus.Publish(eventbus.Event{Kind: eventbus.AuctionEnded, AuctionID: id, Payload: map[string]any{
			"finalPrice": snap.CurrentBid,
			"won":        snap.IsWinning,
		}})
	}

	if err := m.store.SaveAuction(ctx, id, rs.record); err != nil {
		log.WithError(err).WithField("auction_id", id).Warn("monitor: save on update failed")
	}
	m.bus.Publish(eventbus.Event{Kind: eventbus.AuctionState, AuctionID: id, Payload: rs.record})

	if rs.record.Status == model.StatusMonitoring {
		m.scheduleNext(rs.record)
		m.executeAutoBidLocked(ctx, rs)
	}
	return nil
}

// executeAutoBidLocked implements the bidding decision (§4.6). Caller
// must hold rs.mu, which also serves as the per-auction single-flight
// lock required by I4.
func (m *Monitor) executeAutoBidLocked(ctx context.Context, rs *recordState) {
	rec := rs.record
	if !rec.Config.Enabled || rec.Config.Strategy == model.StrategyManual || rec.Data.IsWinning || rec.Data.IsClosed || rec.MaxBidReached {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "monitor.executeAutoBid", map[string]string{
		"auction_id": rec.ID,
		"strategy":   string(rec.Config.Strategy),
	})
	defer span.End()

	settings := m.store.GetSettings(ctx)

	candidate := rec.Data.CurrentBid + rec.Config.Increment
	if rec.Data.NextBid > candidate {
		candidate = rec.Data.NextBid
	}
	candidate += settings.BidBuffer

	if candidate > rec.Config.MaxBid || candidate > model.MaxMonetaryValue {
		rs.record.MaxBidReached = true
		if err := m.store.SaveAuction(ctx, rec.ID, rs.record); err != nil {
			log.WithError(err).WithField("auction_id", rec.ID).Warn("monitor: save on maxBidReached failed")
		}
		m.bus.Publish(eventbus.Event{Kind: eventbus.MaxBidReached, AuctionID: rec.ID, Payload: map[string]any{"candidate": candidate, "maxBid": rec.Config.MaxBid}})
		return
	}

	if rec.Config.Strategy == model.StrategySniping && rec.Data.TimeRemaining > settings.SnipeTiming {
		return
	}

	m.placeBidWithRetry(ctx, rs, candidate, settings.RetryAttempts)
}

// placeBidWithRetry places one bid, retrying bounded transport/infra
// failures with exponential backoff 1s/2s/4s capped at 10s (§4.6). rs.mu
// is held for the entirety of this call, enforcing I4.
func (m *Monitor) placeBidWithRetry(ctx context.Context, rs *recordState, amount int64, maxAttempts int) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()

	strategy := rs.record.Config.Strategy

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		productID := rs.record.ProductID

		attemptStart := m.clock.Now()
		var result upstream.BidResult
		et, err := m.breaker.Do(func() (upstream.ErrorType, error) {
			result = m.upstream.PlaceBid(ctx, productID, amount)
			if !result.Success {
				return result.ErrorType, fmt.Errorf("bid failed: %s", result.ErrorType)
			}
			return "", nil
		})
		latency := m.clock.Now().Sub(attemptStart)

		entry := model.BidHistoryEntry{
			Timestamp: m.clock.Now(),
			Amount:    amount,
			Strategy:  strategy,
		}

		if err == nil {
			entry.Success = true
			_ = m.store.AppendBidHistory(ctx, rs.record.ID, entry)
			m.recordBid(strategy, "success", latency)
			m.bus.Publish(eventbus.Event{Kind: eventbus.BidPlaced, AuctionID: rs.record.ID, Payload: map[string]any{"amount": amount}})
			return
		}

		entry.Success = false
		entry.Error = err.Error()
		entry.ErrorType = string(et)
		_ = m.store.AppendBidHistory(ctx, rs.record.ID, entry)
		m.recordBid(strategy, string(et), latency)

		switch et {
		case upstream.Outbid:
			rs.record.Data.CurrentBid = result.OutbidCurrentAmount
			rs.record.Data.NextBid = result.OutbidMinimumNextBid
			if err := m.store.SaveAuction(ctx, rs.record.ID, rs.record); err != nil {
				log.WithError(err).WithField("auction_id", rs.record.ID).Warn("monitor: save on outbid failed")
			}
			return
		case upstream.AuthenticationError:
			rs.record.AuthError = true
			m.bus.Publish(eventbus.Event{Kind: eventbus.AuthRequired, AuctionID: rs.record.ID})
			return
		case upstream.BidTooLow, upstream.DuplicateBidAmount, upstream.AuctionEnded:
			m.bus.Publish(eventbus.Event{Kind: eventbus.BidFailed, AuctionID: rs.record.ID, Payload: map[string]any{"errorType": et}})
			return
		case upstream.CircuitOpen:
			m.bus.Publish(eventbus.Event{Kind: eventbus.BidFailed, AuctionID: rs.record.ID, Payload: map[string]any{"errorType": et}})
			return
		default:
			// Retryable transport/infra fault.
			if attempt == maxAttempts {
				m.bus.Publish(eventbus.Event{Kind: eventbus.BidFailed, AuctionID: rs.record.ID, Payload: map[string]any{"errorType": et}})
				return
			}
			m.sleeper(ctx, bo.NextBackOff())
		}
	}
}

// ValidateConfig checks a BiddingConfig against the bounds in §3.
func ValidateConfig(cfg model.BiddingConfig) error {
	switch cfg.Strategy {
	case model.StrategyManual, model.StrategyIncrement, model.StrategySniping:
	default:
		return fmt.Errorf("monitor: unknown strategy %q", cfg.Strategy)
	}
	if cfg.Strategy != model.StrategyManual {
		if cfg.MaxBid < 1 || cfg.MaxBid > 10000 {
			return fmt.Errorf("monitor: maxBid %d out of bounds [1,10000]", cfg.MaxBid)
		}
	}
	if cfg.Increment != 0 && (cfg.Increment < 1 || cfg.Increment > 1000) {
		return fmt.Errorf("monitor: increment %d out of bounds [1,1000]", cfg.Increment)
	}
	if cfg.DailyLimit < 0 || cfg.TotalLimit < 0 {
		return errors.New("monitor: spending caps must be non-negative")
	}
	return nil
}
