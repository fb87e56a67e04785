package monitor

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/attestwatch/internal/aggregator"
	"github.com/mbd888/attestwatch/internal/anomaly"
	"github.com/mbd888/attestwatch/internal/executor"
	"github.com/mbd888/attestwatch/internal/policy"
	"github.com/mbd888/attestwatch/internal/provider"
	"github.com/mbd888/attestwatch/internal/risk"
)

type fakeProvider struct {
	name       risk.DataSource
	indicators []risk.Indicator
	err        error
}

func (f *fakeProvider) Name() risk.DataSource { return f.name }

func (f *fakeProvider) FetchIndicators(ctx context.Context, address string) ([]risk.Indicator, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.indicators, nil
}

type fakeSubmitter struct {
	mu   sync.Mutex
	ops  []string
	keys []string
}

func (f *fakeSubmitter) submit(op, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	f.keys = append(f.keys, key)
	return "0xtx" + op, nil
}

func (f *fakeSubmitter) Flag(ctx context.Context, key string, score float64, reason string) (string, error) {
	return f.submit("flag", key)
}

func (f *fakeSubmitter) Suspend(ctx context.Context, key string, until time.Time) (string, error) {
	return f.submit("suspend", key)
}

func (f *fakeSubmitter) Revoke(ctx context.Context, key string, reason string) (string, error) {
	return f.submit("revoke", key)
}

func (f *fakeSubmitter) operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

func sanctionsIndicator(score float64) risk.Indicator {
	now := time.Now()
	return risk.Indicator{
		ID:          "ind_test",
		Category:    risk.CategorySanctions,
		Score:       score,
		Confidence:  1.0,
		Description: "OFAC sanctions list match",
		FirstSeen:   now,
		LastSeen:    now,
	}
}

type testDeps struct {
	service   *Service
	submitter *fakeSubmitter
	store     *risk.MemoryStore
	audit     *executor.MemoryStore
	exec      *executor.Executor
}

func newTestService(t *testing.T, providers ...provider.Provider) *testDeps {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	model := risk.NewModel(risk.DefaultThresholds())
	submitter := &fakeSubmitter{}
	audit := executor.NewMemoryStore()
	exec := executor.New(submitter, audit, nil, logger)
	store := risk.NewMemoryStore()

	svc := New(
		DefaultConfig(),
		aggregator.New(providers, model, logger),
		model,
		policy.NewManager(risk.DefaultThresholds(), logger),
		exec,
		anomaly.NewDetector(anomaly.DefaultThresholds(), logger),
		store,
		nil,
		logger,
	)
	return &testDeps{service: svc, submitter: submitter, store: store, audit: audit, exec: exec}
}

func TestCacheTTLBoundary(t *testing.T) {
	d := newTestService(t)
	d.service.Register("0xabc", "att-1")

	profile := &risk.WalletRiskProfile{WalletAddress: "0xabc", Level: risk.LevelSafe}

	// Just inside the 15 minute TTL.
	d.service.mu.Lock()
	d.service.cache["0xabc"] = cacheEntry{
		profile:  profile,
		storedAt: time.Now().Add(-(15*time.Minute - time.Second)),
	}
	d.service.mu.Unlock()

	got, err := d.service.GetWalletRisk("0xabc")
	require.NoError(t, err)
	assert.Equal(t, profile, got)

	// Just past the TTL: stale, and GetWalletRisk never recomputes.
	d.service.mu.Lock()
	d.service.cache["0xabc"] = cacheEntry{
		profile:  profile,
		storedAt: time.Now().Add(-(15*time.Minute + time.Second)),
	}
	d.service.mu.Unlock()

	_, err = d.service.GetWalletRisk("0xabc")
	assert.ErrorIs(t, err, ErrStaleProfile)
}

func TestGetWalletRisk_NotMonitored(t *testing.T) {
	d := newTestService(t)
	_, err := d.service.GetWalletRisk("0xunknown")
	assert.ErrorIs(t, err, ErrNotMonitored)
}

func TestForceRiskCheck_SanctionedWallet(t *testing.T) {
	// A wallet with a maximum sanctions hit from one vendor and a clean
	// answer from the other ends Critical and gets revoked immediately.
	d := newTestService(t,
		&fakeProvider{name: risk.SourceTRMLabs, indicators: []risk.Indicator{sanctionsIndicator(100)}},
		&fakeProvider{name: risk.SourceChainalysis},
	)
	d.service.Register("0xbad", "att-bad")

	profile, err := d.service.ForceRiskCheck(t.Context(), "0xbad")
	require.NoError(t, err)
	assert.Equal(t, risk.LevelCritical, profile.Level)
	assert.InDelta(t, 100, profile.OverallScore, 0.01)
	assert.Equal(t, "att-bad", profile.AttestationKey)

	// The revocation went to the registry; the approval-gated suspension
	// from the sanctions policy did not.
	ops := d.submitter.operations()
	require.Contains(t, ops, "revoke")
	assert.NotContains(t, ops, "suspend")

	// Delayed notification actions were parked, not slept on.
	assert.Greater(t, d.exec.PendingScheduled(), 0)

	// The assessment was persisted for audit.
	history, err := d.store.ListByWallet(t.Context(), "0xbad", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, risk.LevelCritical, history[0].Level)

	// And the profile is now cached fresh.
	cached, err := d.service.GetWalletRisk("0xbad")
	require.NoError(t, err)
	assert.Equal(t, profile.OverallScore, cached.OverallScore)
}

func TestForceRiskCheck_NoProviders(t *testing.T) {
	// With no enabled providers the wallet assesses clean and nothing is
	// submitted to the registry.
	d := newTestService(t)
	d.service.Register("0xnew", "att-new")

	profile, err := d.service.ForceRiskCheck(t.Context(), "0xnew")
	require.NoError(t, err)
	assert.Equal(t, risk.LevelSafe, profile.Level)
	assert.Zero(t, profile.OverallScore)
	assert.Empty(t, d.submitter.operations())
}

func TestForceRiskCheck_NotMonitored(t *testing.T) {
	d := newTestService(t)
	_, err := d.service.ForceRiskCheck(t.Context(), "0xunknown")
	assert.ErrorIs(t, err, ErrNotMonitored)
}

func TestRegister_Idempotent(t *testing.T) {
	d := newTestService(t)

	d.service.Register("0xabc", "att-1")
	d.service.Register("0xabc", "att-2")

	assert.Len(t, d.service.Wallets(), 1)

	d.service.mu.RLock()
	key := d.service.wallets["0xabc"].attestationKey
	d.service.mu.RUnlock()
	assert.Equal(t, "att-2", key, "re-registering updates the attestation key")
}

func TestUnregister_DropsCache(t *testing.T) {
	d := newTestService(t)
	d.service.Register("0xabc", "att-1")

	d.service.mu.Lock()
	d.service.cache["0xabc"] = cacheEntry{
		profile:  &risk.WalletRiskProfile{WalletAddress: "0xabc"},
		storedAt: time.Now(),
	}
	d.service.mu.Unlock()

	d.service.Unregister("0xabc")

	assert.False(t, d.service.IsMonitored("0xabc"))
	d.service.mu.RLock()
	_, cached := d.service.cache["0xabc"]
	d.service.mu.RUnlock()
	assert.False(t, cached)
}

func TestRunCycle_AssessesAllWallets(t *testing.T) {
	d := newTestService(t, &fakeProvider{name: risk.SourceTRMLabs})
	d.service.Register("0xaaa", "att-a")
	d.service.Register("0xbbb", "att-b")
	d.service.Register("0xccc", "att-c")

	// RunCycle only proceeds between batches while running; a single batch
	// covers three wallets, so no Start is needed.
	d.service.RunCycle(t.Context())

	for _, wallet := range []string{"0xaaa", "0xbbb", "0xccc"} {
		profile, err := d.service.GetWalletRisk(wallet)
		require.NoError(t, err, wallet)
		assert.Equal(t, risk.LevelSafe, profile.Level)
	}
}

func TestStartStop(t *testing.T) {
	d := newTestService(t)

	d.service.Start(t.Context())
	assert.True(t, d.service.isRunning())

	// Second Start is a warned no-op.
	d.service.Start(t.Context())

	d.service.Stop()
	assert.False(t, d.service.isRunning())

	// Stop on a stopped service is safe.
	d.service.Stop()
}

func TestReport_FromCachedAssessment(t *testing.T) {
	d := newTestService(t,
		&fakeProvider{name: risk.SourceTRMLabs, indicators: []risk.Indicator{sanctionsIndicator(100)}},
	)
	d.service.Register("0xbad", "att-bad")

	// No fresh assessment yet.
	_, err := d.service.Report("0xbad")
	assert.ErrorIs(t, err, ErrStaleProfile)

	_, err = d.service.ForceRiskCheck(t.Context(), "0xbad")
	require.NoError(t, err)

	report, err := d.service.Report("0xbad")
	require.NoError(t, err)
	assert.Equal(t, risk.LevelCritical, report.Level)
	require.Contains(t, report.CategoryBreakdown, risk.CategorySanctions)
	assert.Equal(t, 1, report.CategoryBreakdown[risk.CategorySanctions].Count)
	require.NotEmpty(t, report.TopRisks)
	assert.Greater(t, report.ConfidenceScore, 0.0)
}

func TestIngestTransaction_AdjustsScoreForStandingProfile(t *testing.T) {
	d := newTestService(t,
		&fakeProvider{name: risk.SourceTRMLabs, indicators: []risk.Indicator{sanctionsIndicator(100)}},
	)
	d.service.Register("0xbad", "att-bad")
	_, err := d.service.ForceRiskCheck(t.Context(), "0xbad")
	require.NoError(t, err)

	// Critical standing amplifies the transaction's base score by 1.5x.
	tx := &risk.TransactionAssessment{
		TxHash:        "0xtx",
		WalletAddress: "0xbad",
		RiskScore:     40,
		Amount:        100,
		Timestamp:     time.Now(),
	}
	d.service.IngestTransaction(t.Context(), tx)
	assert.InDelta(t, 60.0, tx.RiskScore, 0.001)

	// An unknown wallet keeps its base score.
	tx2 := &risk.TransactionAssessment{
		TxHash:        "0xtx2",
		WalletAddress: "0xfresh",
		RiskScore:     40,
		Amount:        100,
		Timestamp:     time.Now(),
	}
	d.service.IngestTransaction(t.Context(), tx2)
	assert.InDelta(t, 40.0, tx2.RiskScore, 0.001)
}

func TestReviewTrends_RisingWalletProfile(t *testing.T) {
	d := newTestService(t, &fakeProvider{name: risk.SourceTRMLabs})
	d.service.Register("0xtrend", "att-trend")

	// Ten quiet transactions, then ten with sharply higher scores, so the
	// recent window's mean clears the 1.5x increasing-trend cutoff.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 20; i++ {
		score := 5.0
		if i >= 10 {
			score = 50.0
		}
		d.service.IngestTransaction(t.Context(), &risk.TransactionAssessment{
			TxHash:        "0xtx",
			WalletAddress: "0xtrend",
			RiskScore:     score,
			Amount:        250,
			Counterparty:  "0xcp",
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
		})
	}

	bp := d.service.detector.BehaviorProfileFor("0xtrend")
	require.NotNil(t, bp)
	assert.Equal(t, anomaly.TrendIncreasing, bp.RiskTrend)
	assert.Equal(t, 20, bp.TotalTransactions)
	assert.InDelta(t, 250.0, bp.AvgTransactionSize, 0.001)

	// The periodic trend review reads the same profile fields; it must not
	// disturb detector state.
	d.service.reviewTrends()
	bp = d.service.detector.BehaviorProfileFor("0xtrend")
	require.NotNil(t, bp)
	assert.Equal(t, anomaly.TrendIncreasing, bp.RiskTrend)
}

func TestIngestTransaction_MergesAnomalyFindings(t *testing.T) {
	d := newTestService(t, &fakeProvider{name: risk.SourceTRMLabs})
	d.service.Register("0xstr", "att-str")

	base := time.Now().Add(-2 * time.Hour)
	amounts := []float64{100, 9500, 200, 9500, 300, 9500, 400, 500, 600, 700}

	var detections []anomaly.Detection
	for i, amount := range amounts {
		detections = d.service.IngestTransaction(t.Context(), &risk.TransactionAssessment{
			TxHash:        "0xtx",
			WalletAddress: "0xstr",
			Amount:        amount,
			Counterparty:  "0xcp",
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
		})
	}

	// The tenth transaction crosses the analysis threshold and the three
	// near-limit amounts surface as structuring.
	require.NotEmpty(t, detections)
	found := false
	for _, det := range detections {
		if det.Type == anomaly.TypeStructuring {
			found = true
		}
	}
	assert.True(t, found, "expected a structuring detection")

	// The high-severity finding triggered an immediate reassessment with
	// the behavioral indicator folded in.
	profile, err := d.service.GetWalletRisk("0xstr")
	require.NoError(t, err)
	assert.Greater(t, profile.OverallScore, 0.0)

	hasBehavioral := false
	for _, ind := range profile.Indicators {
		if ind.Category == risk.CategoryBehavioralAnomaly {
			hasBehavioral = true
		}
	}
	assert.True(t, hasBehavioral)
}
