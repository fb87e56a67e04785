// Package anomaly detects behavioral anomalies in per-wallet transaction
// streams.
//
// The detector keeps a sliding window of recent transactions per wallet and
// runs four detectors over it: volume spikes, frequency spikes, new
// counterparty concentration, and structuring. Findings feed back into risk
// scoring as behavioral indicators.
package anomaly

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/attestwatch/internal/idgen"
	"github.com/mbd888/attestwatch/internal/risk"
)

// Type names a class of detected anomaly.
type Type string

const (
	TypeVolumeSpike       Type = "volume_spike"
	TypeFrequencySpike    Type = "frequency_spike"
	TypeNewCounterparties Type = "new_counterparties"
	TypeStructuring       Type = "structuring"
)

// Detection is one anomaly finding for a wallet.
type Detection struct {
	WalletAddress string            `json:"walletAddress"`
	Type          Type              `json:"type"`
	Severity      risk.Severity     `json:"severity"`
	Description   string            `json:"description"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Indicator converts a detection into a scorable behavioral risk indicator.
func (d Detection) Indicator() risk.Indicator {
	score := 25.0
	switch d.Severity {
	case risk.SeverityCritical:
		score = 90.0
	case risk.SeverityHigh:
		score = 75.0
	case risk.SeverityMedium:
		score = 50.0
	}
	return risk.Indicator{
		ID:          idgen.WithPrefix("ind_"),
		Category:    risk.CategoryBehavioralAnomaly,
		Subcategory: string(d.Type),
		Score:       score,
		Confidence:  0.8,
		Description: d.Description,
		FirstSeen:   d.Timestamp,
		LastSeen:    d.Timestamp,
		Metadata:    d.Metadata,
	}
}

// Thresholds configure detector sensitivity.
type Thresholds struct {
	// VolumeSpike is the daily-normalized volume ratio that trips a finding.
	VolumeSpike float64
	// FrequencySpike is the daily transaction count ratio that trips a finding.
	FrequencySpike float64
	// AmountThreshold is the reporting threshold used by structuring detection.
	AmountThreshold float64
	// NewCounterpartyRatio is the share of recent counterparties that must be
	// previously unseen to trip a finding.
	NewCounterpartyRatio float64
}

// DefaultThresholds returns the standard detector sensitivity.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VolumeSpike:          3.0,
		FrequencySpike:       5.0,
		AmountThreshold:      10000.0,
		NewCounterpartyRatio: 0.7,
	}
}

const (
	defaultWindowSize = 100
	minHistory        = 10
)

type record struct {
	timestamp    time.Time
	amount       float64
	counterparty string
	riskScore    float64
}

// Detector accumulates transaction history per wallet and flags anomalies.
// Safe for concurrent use.
type Detector struct {
	mu         sync.Mutex
	windowSize int
	thresholds Thresholds
	history    map[string][]record
	logger     *slog.Logger
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(thresholds Thresholds, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		windowSize: defaultWindowSize,
		thresholds: thresholds,
		history:    make(map[string][]record),
		logger:     logger,
	}
}

// Observe records a transaction into the wallet's window and returns any
// anomalies detected. No analysis runs until the window holds at least
// minHistory entries; early observations return nothing.
func (d *Detector) Observe(tx *risk.TransactionAssessment) []Detection {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := record{
		timestamp:    tx.Timestamp,
		amount:       tx.Amount,
		counterparty: tx.Counterparty,
		riskScore:    tx.RiskScore,
	}
	if rec.amount == 0 || rec.counterparty == "" {
		for _, ind := range tx.Indicators {
			if rec.amount == 0 && ind.AmountInvolved > 0 {
				rec.amount = ind.AmountInvolved
			}
			if rec.counterparty == "" && ind.Counterparty != "" {
				rec.counterparty = ind.Counterparty
			}
		}
	}

	history := append(d.history[tx.WalletAddress], rec)
	if len(history) > d.windowSize {
		history = history[len(history)-d.windowSize:]
	}
	d.history[tx.WalletAddress] = history

	if len(history) < minHistory {
		return nil
	}

	var detections []Detection
	detections = append(detections, d.detectVolumeSpike(tx.WalletAddress, history)...)
	detections = append(detections, d.detectFrequencySpike(tx.WalletAddress, history)...)
	detections = append(detections, d.detectNewCounterparties(tx.WalletAddress, history)...)
	detections = append(detections, d.detectStructuring(tx.WalletAddress, history)...)

	for _, det := range detections {
		d.logger.Warn("anomaly detected",
			"wallet", det.WalletAddress,
			"type", det.Type,
			"severity", det.Severity,
			"description", det.Description)
	}
	return detections
}

// detectVolumeSpike compares the last 24h of volume against the prior week,
// normalized to a daily rate.
func (d *Detector) detectVolumeSpike(wallet string, history []record) []Detection {
	now := time.Now()

	var recentSum, comparisonSum float64
	for _, r := range history {
		age := now.Sub(r.timestamp)
		switch {
		case age <= 24*time.Hour:
			recentSum += r.amount
		case age <= 7*24*time.Hour:
			comparisonSum += r.amount
		}
	}

	if comparisonSum <= 0 {
		return nil
	}
	ratio := recentSum / comparisonSum * 7.0
	if ratio <= d.thresholds.VolumeSpike {
		return nil
	}

	return []Detection{{
		WalletAddress: wallet,
		Type:          TypeVolumeSpike,
		Severity:      severityForRatio(ratio),
		Description:   fmt.Sprintf("Transaction volume increased by %.1fx", ratio),
		Timestamp:     now,
		Metadata: map[string]string{
			"recentVolume":     fmt.Sprintf("%.2f", recentSum),
			"comparisonVolume": fmt.Sprintf("%.2f", comparisonSum),
			"ratio":            fmt.Sprintf("%.2f", ratio),
		},
	}}
}

// detectFrequencySpike compares the last 24h transaction count against the
// prior week's daily average.
func (d *Detector) detectFrequencySpike(wallet string, history []record) []Detection {
	now := time.Now()

	var recentCount, comparisonCount int
	for _, r := range history {
		age := now.Sub(r.timestamp)
		switch {
		case age <= 24*time.Hour:
			recentCount++
		case age <= 7*24*time.Hour:
			comparisonCount++
		}
	}

	perDay := comparisonCount / 7
	if perDay <= 0 {
		return nil
	}
	ratio := float64(recentCount) / float64(perDay)
	if ratio <= d.thresholds.FrequencySpike {
		return nil
	}

	return []Detection{{
		WalletAddress: wallet,
		Type:          TypeFrequencySpike,
		Severity:      severityForRatio(ratio),
		Description:   fmt.Sprintf("Transaction frequency increased by %.1fx", ratio),
		Timestamp:     now,
		Metadata: map[string]string{
			"recentCount":     fmt.Sprintf("%d", recentCount),
			"comparisonCount": fmt.Sprintf("%d", perDay),
			"ratio":           fmt.Sprintf("%.2f", ratio),
		},
	}}
}

// detectNewCounterparties flags wallets whose recent counterparties are
// mostly addresses never seen in older history.
func (d *Detector) detectNewCounterparties(wallet string, history []record) []Detection {
	now := time.Now()

	historical := make(map[string]bool)
	var recent []string
	for _, r := range history {
		if r.counterparty == "" {
			continue
		}
		if now.Sub(r.timestamp) <= 24*time.Hour {
			recent = append(recent, r.counterparty)
		} else {
			historical[r.counterparty] = true
		}
	}

	if len(recent) == 0 {
		return nil
	}

	newCount := 0
	for _, c := range recent {
		if !historical[c] {
			newCount++
		}
	}
	ratio := float64(newCount) / float64(len(recent))
	if ratio <= d.thresholds.NewCounterpartyRatio {
		return nil
	}

	return []Detection{{
		WalletAddress: wallet,
		Type:          TypeNewCounterparties,
		Severity:      severityForRatio(ratio),
		Description:   fmt.Sprintf("%.0f%% of recent counterparties are new", ratio*100),
		Timestamp:     now,
		Metadata: map[string]string{
			"newCounterparties": fmt.Sprintf("%d", newCount),
			"totalRecent":       fmt.Sprintf("%d", len(recent)),
			"ratio":             fmt.Sprintf("%.2f", ratio),
		},
	}}
}

// detectStructuring flags three or more transactions each sitting just below
// the reporting threshold (90-100% of it) whose sum exceeds twice the
// threshold. Always High severity; structuring is deliberate evasion, not a
// statistical blip.
func (d *Detector) detectStructuring(wallet string, history []record) []Detection {
	var count int
	var total float64
	for _, r := range history {
		if r.amount > d.thresholds.AmountThreshold*0.9 && r.amount < d.thresholds.AmountThreshold {
			count++
			total += r.amount
		}
	}

	if count < 3 || total <= d.thresholds.AmountThreshold*2 {
		return nil
	}

	return []Detection{{
		WalletAddress: wallet,
		Type:          TypeStructuring,
		Severity:      risk.SeverityHigh,
		Description:   "Potential transaction structuring detected",
		Timestamp:     time.Now(),
		Metadata: map[string]string{
			"candidateCount": fmt.Sprintf("%d", count),
			"totalAmount":    fmt.Sprintf("%.2f", total),
			"threshold":      fmt.Sprintf("%.2f", d.thresholds.AmountThreshold),
		},
	}}
}

// severityForRatio grades a spike ratio.
func severityForRatio(ratio float64) risk.Severity {
	switch {
	case ratio > 10:
		return risk.SeverityCritical
	case ratio > 5:
		return risk.SeverityHigh
	case ratio > 3:
		return risk.SeverityMedium
	default:
		return risk.SeverityLow
	}
}

// RiskTrend describes the direction of a wallet's recent risk scores.
type RiskTrend string

const (
	TrendIncreasing       RiskTrend = "increasing"
	TrendDecreasing       RiskTrend = "decreasing"
	TrendStable           RiskTrend = "stable"
	TrendInsufficientData RiskTrend = "insufficient_data"
)

// BehaviorProfile summarizes a wallet's observed transaction behavior.
type BehaviorProfile struct {
	WalletAddress        string    `json:"walletAddress"`
	TotalTransactions    int       `json:"totalTransactions"`
	TotalVolume          float64   `json:"totalVolume"`
	AvgTransactionSize   float64   `json:"avgTransactionSize"`
	UniqueCounterparties int       `json:"uniqueCounterparties"`
	RiskTrend            RiskTrend `json:"riskTrend"`
	LastUpdated          time.Time `json:"lastUpdated"`
}

// BehaviorProfileFor returns a summary of the wallet's observed window, or
// nil when the wallet has no history.
func (d *Detector) BehaviorProfileFor(wallet string) *BehaviorProfile {
	d.mu.Lock()
	defer d.mu.Unlock()

	history, ok := d.history[wallet]
	if !ok {
		return nil
	}

	var totalVolume float64
	unique := make(map[string]bool)
	for _, r := range history {
		totalVolume += r.amount
		if r.counterparty != "" {
			unique[r.counterparty] = true
		}
	}

	avg := 0.0
	if len(history) > 0 {
		avg = totalVolume / float64(len(history))
	}

	return &BehaviorProfile{
		WalletAddress:        wallet,
		TotalTransactions:    len(history),
		TotalVolume:          totalVolume,
		AvgTransactionSize:   avg,
		UniqueCounterparties: len(unique),
		RiskTrend:            riskTrend(history),
		LastUpdated:          time.Now(),
	}
}

// riskTrend compares the mean risk score of the last 10 transactions against
// the 10 before them.
func riskTrend(history []record) RiskTrend {
	if len(history) < minHistory {
		return TrendInsufficientData
	}

	var recent, previous float64
	n := len(history)
	for i := n - 10; i < n; i++ {
		recent += history[i].riskScore
	}
	recent /= 10

	start := n - 20
	if start < 0 {
		start = 0
	}
	count := n - 10 - start
	for i := start; i < n-10; i++ {
		previous += history[i].riskScore
	}
	if count > 0 {
		previous /= float64(count)
	}

	switch {
	case recent > previous*1.5:
		return TrendIncreasing
	case recent < previous*0.7:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
