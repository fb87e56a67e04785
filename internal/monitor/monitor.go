// Package monitor orchestrates continuous wallet risk monitoring.
//
// The service holds the registry of monitored wallets, a TTL profile cache,
// and the periodic loops that drive aggregation, policy evaluation, and
// action execution. Cache entries are replaced wholesale; staleness is
// checked at read time against the configured TTL.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/attestwatch/internal/aggregator"
	"github.com/mbd888/attestwatch/internal/anomaly"
	"github.com/mbd888/attestwatch/internal/executor"
	"github.com/mbd888/attestwatch/internal/feed"
	"github.com/mbd888/attestwatch/internal/metrics"
	"github.com/mbd888/attestwatch/internal/policy"
	"github.com/mbd888/attestwatch/internal/risk"
)

var (
	// ErrNotMonitored is returned for wallets never registered with the
	// service.
	ErrNotMonitored = errors.New("monitor: wallet is not monitored")

	// ErrStaleProfile is returned when no assessment fresher than the cache
	// TTL exists. Callers can trigger ForceRiskCheck to refresh.
	ErrStaleProfile = errors.New("monitor: no fresh risk assessment")
)

// Config holds the monitoring loop parameters.
type Config struct {
	PollInterval    time.Duration
	AnomalyInterval time.Duration
	BatchSize       int
	CacheTTL        time.Duration
}

// DefaultConfig returns the standard monitoring parameters.
func DefaultConfig() Config {
	return Config{
		PollInterval:    60 * time.Minute,
		AnomalyInterval: 5 * time.Minute,
		BatchSize:       100,
		CacheTTL:        15 * time.Minute,
	}
}

// interBatchDelay spaces wallet batches within a cycle so a large registry
// does not burst the providers.
const interBatchDelay = time.Second

type walletEntry struct {
	attestationKey string
	registeredAt   time.Time
}

type cacheEntry struct {
	profile  *risk.WalletRiskProfile
	storedAt time.Time
}

// Service runs the monitoring loops over the registered wallet set.
type Service struct {
	cfg      Config
	agg      *aggregator.Aggregator
	model    *risk.Model
	policies *policy.Manager
	exec     *executor.Executor
	detector *anomaly.Detector
	store    risk.ProfileStore
	hub      *feed.Hub
	logger   *slog.Logger

	mu      sync.RWMutex
	wallets map[string]walletEntry
	cache   map[string]cacheEntry
	// anomalyIndicators holds behavioral findings per wallet, merged into
	// the next assessment and superseded with it.
	anomalyIndicators map[string][]risk.Indicator
	running           bool
	cancel            context.CancelFunc

	wg sync.WaitGroup
}

// New creates a monitoring service. hub may be nil.
func New(
	cfg Config,
	agg *aggregator.Aggregator,
	model *risk.Model,
	policies *policy.Manager,
	exec *executor.Executor,
	detector *anomaly.Detector,
	store risk.ProfileStore,
	hub *feed.Hub,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.AnomalyInterval <= 0 {
		cfg.AnomalyInterval = DefaultConfig().AnomalyInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Service{
		cfg:               cfg,
		agg:               agg,
		model:             model,
		policies:          policies,
		exec:              exec,
		detector:          detector,
		store:             store,
		hub:               hub,
		logger:            logger,
		wallets:           make(map[string]walletEntry),
		cache:             make(map[string]cacheEntry),
		anomalyIndicators: make(map[string][]risk.Indicator),
	}
}

// Register adds a wallet to the monitored set. Re-registering is a no-op
// that updates the attestation key.
func (s *Service) Register(wallet, attestationKey string) {
	s.mu.Lock()
	entry, exists := s.wallets[wallet]
	if exists {
		entry.attestationKey = attestationKey
		s.wallets[wallet] = entry
	} else {
		s.wallets[wallet] = walletEntry{
			attestationKey: attestationKey,
			registeredAt:   time.Now(),
		}
	}
	n := len(s.wallets)
	s.mu.Unlock()

	metrics.MonitoredWallets.Set(float64(n))
	if !exists {
		s.logger.Info("wallet registered for monitoring",
			"wallet", wallet,
			"attestationKey", attestationKey)
	}
}

// Unregister removes a wallet and drops its cached profile.
func (s *Service) Unregister(wallet string) {
	s.mu.Lock()
	delete(s.wallets, wallet)
	delete(s.cache, wallet)
	delete(s.anomalyIndicators, wallet)
	n := len(s.wallets)
	s.mu.Unlock()

	metrics.MonitoredWallets.Set(float64(n))
	s.logger.Info("wallet unregistered", "wallet", wallet)
}

// IsMonitored reports whether the wallet is in the monitored set.
func (s *Service) IsMonitored(wallet string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.wallets[wallet]
	return ok
}

// Wallets returns the monitored wallet addresses.
func (s *Service) Wallets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.wallets))
	for w := range s.wallets {
		out = append(out, w)
	}
	return out
}

// GetWalletRisk returns the cached risk profile. It never triggers a
// provider round trip: a missing or expired entry yields ErrStaleProfile
// and the caller decides whether to force a check.
func (s *Service) GetWalletRisk(wallet string) (*risk.WalletRiskProfile, error) {
	s.mu.RLock()
	_, monitored := s.wallets[wallet]
	entry, cached := s.cache[wallet]
	s.mu.RUnlock()

	if !monitored {
		return nil, ErrNotMonitored
	}
	if !cached || time.Since(entry.storedAt) > s.cfg.CacheTTL {
		metrics.CacheMissesTotal.Inc()
		return nil, ErrStaleProfile
	}
	metrics.CacheHitsTotal.Inc()
	return entry.profile, nil
}

// ForceRiskCheck invalidates any cached profile and runs the full
// assessment pipeline synchronously, including policy evaluation and
// action execution.
func (s *Service) ForceRiskCheck(ctx context.Context, wallet string) (*risk.WalletRiskProfile, error) {
	s.mu.Lock()
	entry, monitored := s.wallets[wallet]
	delete(s.cache, wallet)
	s.mu.Unlock()

	if !monitored {
		return nil, ErrNotMonitored
	}
	profile, _, err := s.assessWallet(ctx, wallet, entry.attestationKey)
	return profile, err
}

// Report builds a reproducible breakdown of the wallet's cached assessment.
// Like GetWalletRisk it never triggers a provider round trip.
func (s *Service) Report(wallet string) (*risk.Report, error) {
	profile, err := s.GetWalletRisk(wallet)
	if err != nil {
		return nil, err
	}
	return s.model.GenerateReport(profile), nil
}

// IngestTransaction feeds a transaction through anomaly detection. Findings
// are published to the feed and merged into the wallet's next assessment;
// high-severity findings trigger an immediate reassessment. The transaction's
// risk score is adjusted for the wallet's standing profile before analysis.
func (s *Service) IngestTransaction(ctx context.Context, tx *risk.TransactionAssessment) []anomaly.Detection {
	standing, _ := s.GetWalletRisk(tx.WalletAddress)
	tx.RiskScore = s.model.EvaluateTransactionRisk(tx, standing)

	detections := s.detector.Observe(tx)
	if len(detections) == 0 {
		return nil
	}

	indicators := make([]risk.Indicator, 0, len(detections))
	reassess := false
	for _, d := range detections {
		metrics.AnomaliesDetectedTotal.WithLabelValues(string(d.Type), string(d.Severity)).Inc()
		indicators = append(indicators, d.Indicator())
		if d.Severity == risk.SeverityHigh || d.Severity == risk.SeverityCritical {
			reassess = true
		}
		if s.hub != nil {
			s.hub.Publish(&feed.Event{
				Type:   feed.EventAnomalyDetected,
				Wallet: tx.WalletAddress,
				Data:   d,
			})
		}
	}

	s.mu.Lock()
	s.anomalyIndicators[tx.WalletAddress] = append(s.anomalyIndicators[tx.WalletAddress], indicators...)
	entry, monitored := s.wallets[tx.WalletAddress]
	s.mu.Unlock()

	if reassess && monitored {
		if _, _, err := s.assessWallet(ctx, tx.WalletAddress, entry.attestationKey); err != nil {
			s.logger.Warn("anomaly-triggered reassessment failed",
				"wallet", tx.WalletAddress,
				"error", err)
		}
	}
	return detections
}

// BehaviorProfile returns the wallet's behavioral summary, or nil without
// enough history.
func (s *Service) BehaviorProfile(wallet string) *anomaly.BehaviorProfile {
	return s.detector.BehaviorProfileFor(wallet)
}

// Start launches the monitoring and anomaly loops. Calling Start on a
// running service logs a warning and does nothing.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("monitoring already running")
		return
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("monitoring started",
		"pollInterval", s.cfg.PollInterval,
		"anomalyInterval", s.cfg.AnomalyInterval,
		"batchSize", s.cfg.BatchSize)

	s.wg.Add(2)
	go s.pollLoop(loopCtx)
	go s.anomalyLoop(loopCtx)
}

// Stop halts the loops. An in-flight cycle finishes its current wallet
// batch before exiting.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("monitoring stopped")
}

func (s *Service) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Service) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	// First cycle immediately; the registry may have been seeded before
	// startup.
	s.RunCycle(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

func (s *Service) anomalyLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.AnomalyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.exec.DrainDue(ctx, time.Now())
			s.reviewTrends()
		}
	}
}

// reviewTrends logs wallets whose behavioral risk trend is rising so
// operators see deterioration between full cycles.
func (s *Service) reviewTrends() {
	for _, wallet := range s.Wallets() {
		bp := s.detector.BehaviorProfileFor(wallet)
		if bp != nil && bp.RiskTrend == anomaly.TrendIncreasing {
			s.logger.Warn("wallet risk trend increasing",
				"wallet", wallet,
				"avgTransactionSize", bp.AvgTransactionSize,
				"txCount", bp.TotalTransactions)
		}
	}
}

type cycleStats struct {
	processed int
	highRisk  int
	actions   int
	errors    int
}

// RunCycle assesses every monitored wallet in batches. Exported for the
// force-cycle admin endpoint.
func (s *Service) RunCycle(ctx context.Context) {
	start := time.Now()

	s.mu.RLock()
	snapshot := make(map[string]string, len(s.wallets))
	for w, e := range s.wallets {
		snapshot[w] = e.attestationKey
	}
	s.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}

	wallets := make([]string, 0, len(snapshot))
	for w := range snapshot {
		wallets = append(wallets, w)
	}

	var stats cycleStats
	var statsMu sync.Mutex

	for i := 0; i < len(wallets); i += s.cfg.BatchSize {
		// Shutdown between batches, never mid-batch.
		if i > 0 && (ctx.Err() != nil || !s.isRunning()) {
			break
		}

		end := i + s.cfg.BatchSize
		if end > len(wallets) {
			end = len(wallets)
		}

		var wg sync.WaitGroup
		for _, wallet := range wallets[i:end] {
			wg.Add(1)
			go func(wallet string) {
				defer wg.Done()
				profile, executed, err := s.assessWallet(ctx, wallet, snapshot[wallet])

				statsMu.Lock()
				defer statsMu.Unlock()
				stats.processed++
				stats.actions += executed
				if err != nil {
					stats.errors++
					return
				}
				if profile.Level.AtLeast(risk.LevelHigh) {
					stats.highRisk++
				}
			}(wallet)
		}
		wg.Wait()

		if end < len(wallets) {
			select {
			case <-ctx.Done():
			case <-time.After(interBatchDelay):
			}
		}
	}

	// Delayed actions queued during this cycle may already be due.
	drained := s.exec.DrainDue(ctx, time.Now())
	stats.actions += len(drained)

	metrics.MonitoringCyclesTotal.Inc()
	metrics.MonitoringCycleDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("monitoring cycle completed",
		"processed", stats.processed,
		"highRisk", stats.highRisk,
		"actionsExecuted", stats.actions,
		"errors", stats.errors,
		"duration", time.Since(start))
}

// assessWallet runs the full pipeline for one wallet: aggregate provider
// data, merge pending anomaly findings, persist and cache the profile,
// evaluate policy, and execute the resulting actions.
func (s *Service) assessWallet(ctx context.Context, wallet, attestationKey string) (*risk.WalletRiskProfile, int, error) {
	profile, err := s.agg.AggregateWalletRisk(ctx, wallet)
	if err != nil {
		s.logger.Warn("risk aggregation failed", "wallet", wallet, "error", err)
		return nil, 0, err
	}
	profile.AttestationKey = attestationKey

	s.mu.Lock()
	pending := s.anomalyIndicators[wallet]
	delete(s.anomalyIndicators, wallet)
	previous, hadPrevious := s.cache[wallet]
	s.mu.Unlock()

	if len(pending) > 0 {
		profile.Indicators = append(profile.Indicators, pending...)
		profile.OverallScore = s.model.ComputeScore(profile.Indicators)
		profile.Level = s.model.LevelForScore(profile.OverallScore)
	}

	if s.store != nil {
		if err := s.store.Record(ctx, profile); err != nil {
			s.logger.Warn("failed to persist risk profile", "wallet", wallet, "error", err)
		}
	}

	s.mu.Lock()
	s.cache[wallet] = cacheEntry{profile: profile, storedAt: time.Now()}
	s.mu.Unlock()

	if hadPrevious && previous.profile.Level != profile.Level && s.hub != nil {
		s.hub.Publish(&feed.Event{
			Type:   feed.EventRiskLevelChange,
			Wallet: wallet,
			Data: map[string]interface{}{
				"previousLevel": previous.profile.Level,
				"newLevel":      profile.Level,
				"score":         profile.OverallScore,
			},
		})
	}

	executed := s.enforce(ctx, wallet, attestationKey, profile)
	return profile, executed, nil
}

// enforce evaluates the rule table and executes the resulting actions.
// Approval-gated actions are surfaced but never auto-executed; delayed
// actions go to the scheduled queue.
func (s *Service) enforce(ctx context.Context, wallet, attestationKey string, profile *risk.WalletRiskProfile) int {
	// Attestation age is not observable off-chain; age conditions stay
	// unmatched. Volume comes from behavioral history when available.
	var ageDays *int
	var volume *float64
	if bp := s.detector.BehaviorProfileFor(wallet); bp != nil {
		v := bp.TotalVolume
		volume = &v
	}

	result := s.policies.Evaluate(profile, ageDays, volume)
	if len(result.RecommendedActions) == 0 {
		return 0
	}

	s.logger.Info("policy evaluation matched",
		"wallet", wallet,
		"policies", len(result.MatchedPolicies),
		"actions", len(result.RecommendedActions),
		"escalationLevel", result.EscalationLevel)

	executed := 0
	for _, action := range result.RecommendedActions {
		item := executor.Item{
			Action:         action,
			WalletAddress:  wallet,
			AttestationKey: attestationKey,
			Profile:        profile,
		}

		switch {
		case action.RequiresApproval:
			// Route through the executor so the refusal is audited, but
			// treat the approval error as expected.
			if _, err := s.exec.Execute(ctx, item); err != nil && !errors.Is(err, executor.ErrRequiresApproval) {
				s.logger.Warn("action execution failed",
					"wallet", wallet,
					"action", action.Type,
					"error", err)
			}
		case action.DelayMinutes > 0:
			s.exec.Schedule(item)
		default:
			if _, err := s.exec.Execute(ctx, item); err != nil {
				s.logger.Warn("action execution failed",
					"wallet", wallet,
					"action", action.Type,
					"error", err)
				continue
			}
			executed++
		}
	}
	return executed
}
