package anomaly

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/attestwatch/internal/risk"
)

func testDetector() *Detector {
	return NewDetector(DefaultThresholds(), slog.New(slog.DiscardHandler))
}

func tx(wallet string, amount float64, counterparty string, age time.Duration) *risk.TransactionAssessment {
	return &risk.TransactionAssessment{
		TxHash:        fmt.Sprintf("0x%x", time.Now().UnixNano()),
		WalletAddress: wallet,
		Amount:        amount,
		Counterparty:  counterparty,
		Timestamp:     time.Now().Add(-age),
	}
}

func TestObserve_SilentBelowMinHistory(t *testing.T) {
	d := testDetector()

	// Nine observations stay below the analysis threshold, even with
	// blatant structuring amounts.
	for i := 0; i < 9; i++ {
		got := d.Observe(tx("0xabc", 9500, "cp", time.Hour))
		assert.Empty(t, got, "observation %d should not analyze", i+1)
	}
}

func TestObserve_StructuringOnTenth(t *testing.T) {
	d := testDetector()

	// Three just-below-threshold amounts among benign history. The tenth
	// observation crosses minHistory and analysis runs for the first time.
	amounts := []float64{100, 9500, 200, 9500, 300, 9500, 400, 500, 600}
	for _, amount := range amounts {
		got := d.Observe(tx("0xabc", amount, "cp", 48*time.Hour))
		assert.Empty(t, got)
	}

	detections := d.Observe(tx("0xabc", 700, "cp", 48*time.Hour))
	require.NotEmpty(t, detections)

	var structuring *Detection
	for i := range detections {
		if detections[i].Type == TypeStructuring {
			structuring = &detections[i]
		}
	}
	require.NotNil(t, structuring, "expected a structuring finding")
	assert.Equal(t, risk.SeverityHigh, structuring.Severity)
	assert.Equal(t, "3", structuring.Metadata["candidateCount"])
}

func TestObserve_NoStructuringBelowSum(t *testing.T) {
	d := testDetector()

	// Only two candidates in band: sum 19,000 < 2x threshold fails too,
	// but the count gate fails first either way.
	for i := 0; i < 8; i++ {
		d.Observe(tx("0xabc", 100, "cp", 48*time.Hour))
	}
	d.Observe(tx("0xabc", 9500, "cp", 48*time.Hour))
	detections := d.Observe(tx("0xabc", 9500, "cp", 48*time.Hour))
	for _, det := range detections {
		assert.NotEqual(t, TypeStructuring, det.Type)
	}
}

func TestObserve_VolumeSpike(t *testing.T) {
	d := testDetector()

	// Prior week: steady 700/day for six in-window days. A 4,000 burst in
	// the last 24h is a 6.7x daily-normalized spike.
	for day := 2; day <= 8; day++ {
		for i := 0; i < 7; i++ {
			d.Observe(tx("0xabc", 100, "cp", time.Duration(day)*24*time.Hour))
		}
	}
	detections := d.Observe(tx("0xabc", 4000, "cp", time.Hour))

	var found *Detection
	for i := range detections {
		if detections[i].Type == TypeVolumeSpike {
			found = &detections[i]
		}
	}
	require.NotNil(t, found, "expected a volume spike finding")
	// 4000 / 4200 * 7 ≈ 6.7x
	assert.Equal(t, risk.SeverityHigh, found.Severity)
}

func TestObserve_FrequencySpike(t *testing.T) {
	d := testDetector()

	// Prior week: 14 transactions (2/day). Recent 24h: many more.
	for i := 0; i < 14; i++ {
		d.Observe(tx("0xabc", 10, "cp", 72*time.Hour))
	}
	var detections []Detection
	for i := 0; i < 15; i++ {
		detections = d.Observe(tx("0xabc", 10, "cp", time.Hour))
	}

	var found *Detection
	for i := range detections {
		if detections[i].Type == TypeFrequencySpike {
			found = &detections[i]
		}
	}
	require.NotNil(t, found, "expected a frequency spike finding")
	// 15 recent vs 2/day baseline: 7.5x.
	assert.Equal(t, risk.SeverityHigh, found.Severity)
}

func TestObserve_NewCounterparties(t *testing.T) {
	d := testDetector()

	// Historical counterparties A and B, then a recent burst of strangers.
	for i := 0; i < 10; i++ {
		d.Observe(tx("0xabc", 10, "cpA", 72*time.Hour))
		d.Observe(tx("0xabc", 10, "cpB", 72*time.Hour))
	}
	var detections []Detection
	for i := 0; i < 4; i++ {
		detections = d.Observe(tx("0xabc", 10, fmt.Sprintf("stranger%d", i), time.Hour))
	}

	var found *Detection
	for i := range detections {
		if detections[i].Type == TypeNewCounterparties {
			found = &detections[i]
		}
	}
	require.NotNil(t, found, "expected a new-counterparty finding")
	assert.Equal(t, "4", found.Metadata["newCounterparties"])
}

func TestObserve_WindowEviction(t *testing.T) {
	d := testDetector()

	for i := 0; i < defaultWindowSize+20; i++ {
		d.Observe(tx("0xabc", 10, "cp", 48*time.Hour))
	}

	d.mu.Lock()
	n := len(d.history["0xabc"])
	d.mu.Unlock()
	assert.Equal(t, defaultWindowSize, n)
}

func TestBehaviorProfile(t *testing.T) {
	d := testDetector()

	assert.Nil(t, d.BehaviorProfileFor("0xnone"))

	d.Observe(tx("0xabc", 100, "cpA", time.Hour))
	d.Observe(tx("0xabc", 300, "cpB", time.Hour))
	d.Observe(tx("0xabc", 200, "cpA", time.Hour))

	profile := d.BehaviorProfileFor("0xabc")
	require.NotNil(t, profile)
	assert.Equal(t, 3, profile.TotalTransactions)
	assert.Equal(t, 600.0, profile.TotalVolume)
	assert.Equal(t, 200.0, profile.AvgTransactionSize)
	assert.Equal(t, 2, profile.UniqueCounterparties)
	assert.Equal(t, TrendInsufficientData, profile.RiskTrend)
}

func TestRiskTrend(t *testing.T) {
	mk := func(scores ...float64) []record {
		recs := make([]record, len(scores))
		for i, s := range scores {
			recs[i] = record{riskScore: s}
		}
		return recs
	}

	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 50
	}
	assert.Equal(t, TrendStable, riskTrend(mk(flat...)))

	rising := make([]float64, 20)
	for i := range rising {
		if i < 10 {
			rising[i] = 20
		} else {
			rising[i] = 80
		}
	}
	assert.Equal(t, TrendIncreasing, riskTrend(mk(rising...)))

	falling := make([]float64, 20)
	for i := range falling {
		if i < 10 {
			falling[i] = 80
		} else {
			falling[i] = 20
		}
	}
	assert.Equal(t, TrendDecreasing, riskTrend(mk(falling...)))

	assert.Equal(t, TrendInsufficientData, riskTrend(mk(50, 50, 50)))
}

func TestDetectionIndicator(t *testing.T) {
	det := Detection{
		WalletAddress: "0xabc",
		Type:          TypeStructuring,
		Severity:      risk.SeverityHigh,
		Description:   "Potential transaction structuring detected",
		Timestamp:     time.Now(),
	}

	ind := det.Indicator()
	assert.Equal(t, risk.CategoryBehavioralAnomaly, ind.Category)
	assert.Equal(t, string(TypeStructuring), ind.Subcategory)
	assert.Equal(t, 75.0, ind.Score)
	assert.Equal(t, 0.8, ind.Confidence)
	assert.NotEmpty(t, ind.ID)
}
