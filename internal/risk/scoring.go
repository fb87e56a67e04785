package risk

import (
	"math"
	"sort"
	"time"
)

// Thresholds are the lower-bound score cutoffs for each risk level.
// Classification uses >= at every boundary, so the bands are
// non-overlapping and gap-free.
type Thresholds struct {
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
	Medium   float64 `json:"medium"`
	Low      float64 `json:"low"`
}

// DefaultThresholds returns the standard 90/75/50/25 cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 90, High: 75, Medium: 50, Low: 25}
}

// Default decay parameters: scores halve every 30 days, never decaying
// below 10 (unless the original score was already lower).
const (
	DefaultHalfLifeDays  = 30.0
	DefaultMinDecayScore = 10.0
)

// Amplification multipliers applied to scores that land in the upper bands.
const (
	criticalAmplifier = 1.2
	highAmplifier     = 1.1
	mediumAmplifier   = 1.05
)

// Model computes wallet risk scores from indicator sets. It is the single
// canonical scoring formula; the aggregator and the monitoring service both
// delegate here rather than carrying their own arithmetic.
type Model struct {
	thresholds    Thresholds
	halfLifeDays  float64
	minDecayScore float64
}

// NewModel creates a scoring model with the given level thresholds.
func NewModel(thresholds Thresholds) *Model {
	return &Model{
		thresholds:    thresholds,
		halfLifeDays:  DefaultHalfLifeDays,
		minDecayScore: DefaultMinDecayScore,
	}
}

// WithDecay overrides the default half-life and decay floor.
func (m *Model) WithDecay(halfLifeDays, minScore float64) *Model {
	m.halfLifeDays = halfLifeDays
	m.minDecayScore = minScore
	return m
}

// Thresholds returns the model's configured level cutoffs.
func (m *Model) Thresholds() Thresholds { return m.thresholds }

// LevelForScore classifies a score against the configured cutoffs.
// Raising the score never lowers the assigned level.
func (m *Model) LevelForScore(score float64) Level {
	switch {
	case score >= m.thresholds.Critical:
		return LevelCritical
	case score >= m.thresholds.High:
		return LevelHigh
	case score >= m.thresholds.Medium:
		return LevelMedium
	case score >= m.thresholds.Low:
		return LevelLow
	default:
		return LevelSafe
	}
}

// ComputeScore aggregates indicators into a 0-100 score.
//
// Per indicator: exponential time decay, then the category weight. Scores
// are then averaged within each category and combined as a weight-weighted
// average across categories. The category weight is deliberately applied
// both per-indicator and as the aggregation weight; downstream consumers
// depend on this exact arithmetic. An empty indicator set scores 0.
func (m *Model) ComputeScore(indicators []Indicator) float64 {
	if len(indicators) == 0 {
		return 0.0
	}

	categorySums := make(map[Category]float64)
	categoryCounts := make(map[Category]int)

	for _, ind := range indicators {
		decayed := m.applyTimeDecay(ind.Score, ind.LastSeen)
		categorySums[ind.Category] += decayed * ind.Category.Weight()
		categoryCounts[ind.Category]++
	}

	var totalWeighted, totalWeight float64
	for category, sum := range categorySums {
		average := sum / float64(categoryCounts[category])
		weight := category.Weight()
		totalWeighted += average * weight
		totalWeight += weight
	}

	average := 0.0
	if totalWeight > 0 {
		average = totalWeighted / totalWeight
	}

	return math.Min(m.amplify(average), 100.0)
}

// applyTimeDecay halves a score every halfLifeDays since it was last seen.
// The result is floored at minDecayScore and capped at the original score,
// so decay never increases a score and decay at zero days is the identity.
func (m *Model) applyTimeDecay(score float64, lastSeen time.Time) float64 {
	days := math.Trunc(time.Since(lastSeen).Hours() / 24)
	if days <= 0 {
		return score
	}

	decayed := score * math.Pow(0.5, days/m.halfLifeDays)
	return math.Min(math.Max(decayed, m.minDecayScore), score)
}

// amplify applies non-linear emphasis to scores in the upper bands.
// Monotonically non-decreasing in the input.
func (m *Model) amplify(score float64) float64 {
	switch {
	case score >= m.thresholds.Critical:
		return score * criticalAmplifier
	case score >= m.thresholds.High:
		return score * highAmplifier
	case score >= m.thresholds.Medium:
		return score * mediumAmplifier
	default:
		return score
	}
}

// TransactionIndicator is a per-transaction risk observation.
type TransactionIndicator struct {
	Category       Category `json:"category"`
	Description    string   `json:"description"`
	AmountInvolved float64  `json:"amountInvolved,omitempty"`
	Counterparty   string   `json:"counterparty,omitempty"`
	RiskScore      float64  `json:"riskScore"`
}

// TransactionAssessment carries one transaction through anomaly detection
// and transaction-level scoring.
type TransactionAssessment struct {
	TxHash        string                 `json:"txHash"`
	WalletAddress string                 `json:"walletAddress"`
	RiskScore     float64                `json:"riskScore"`
	Amount        float64                `json:"amount"`
	Counterparty  string                 `json:"counterparty,omitempty"`
	Indicators    []TransactionIndicator `json:"indicators,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Verified      bool                   `json:"verified"`
}

// EvaluateTransactionRisk adjusts a transaction's base score using the
// wallet's standing profile and transaction-level patterns. A wallet with
// critical history amplifies by 1.5x, high by 1.3x, medium by 1.1x.
func (m *Model) EvaluateTransactionRisk(tx *TransactionAssessment, history *WalletRiskProfile) float64 {
	adjustment := 1.0
	if history != nil {
		switch history.Level {
		case LevelCritical:
			adjustment = 1.5
		case LevelHigh:
			adjustment = 1.3
		case LevelMedium:
			adjustment = 1.1
		}
	}
	return tx.RiskScore * adjustment * transactionPatternAdjustment(tx)
}

// transactionPatternAdjustment amplifies for large amounts and fan-out to
// many counterparties within a single assessed transaction.
func transactionPatternAdjustment(tx *TransactionAssessment) float64 {
	adjustment := 1.0

	for _, ind := range tx.Indicators {
		if ind.AmountInvolved > 100000 {
			adjustment *= 1.3
			break
		}
		if ind.AmountInvolved > 10000 {
			adjustment *= 1.15
			break
		}
	}

	counterparties := 0
	for _, ind := range tx.Indicators {
		if ind.Counterparty != "" {
			counterparties++
		}
	}
	if counterparties > 5 {
		adjustment *= 1.2
	} else if counterparties > 2 {
		adjustment *= 1.1
	}

	return adjustment
}

// CategoryScore summarizes one category within a report.
type CategoryScore struct {
	AverageScore float64 `json:"averageScore"`
	Count        int     `json:"count"`
	MaxScore     float64 `json:"maxScore"`
}

// TopRisk is one of the highest-scoring indicators on a profile.
type TopRisk struct {
	Category    Category  `json:"category"`
	Score       float64   `json:"score"`
	Description string    `json:"description"`
	FirstSeen   time.Time `json:"firstSeen"`
}

// Report is a reproducible human-readable breakdown of a profile.
type Report struct {
	WalletAddress     string                     `json:"walletAddress"`
	OverallScore      float64                    `json:"overallScore"`
	Level             Level                      `json:"level"`
	CategoryBreakdown map[Category]CategoryScore `json:"categoryBreakdown"`
	TopRisks          []TopRisk                  `json:"topRisks"`
	ConfidenceScore   float64                    `json:"confidenceScore"`
	Recommendations   []Recommendation           `json:"recommendations,omitempty"`
}

// GenerateReport builds a report from a profile, including a confidence
// score weighing source coverage (30%), evidence recency within 7 days
// (40%), and mean indicator confidence (30%).
func (m *Model) GenerateReport(profile *WalletRiskProfile) *Report {
	report := &Report{
		WalletAddress:     profile.WalletAddress,
		OverallScore:      profile.OverallScore,
		Level:             profile.Level,
		CategoryBreakdown: make(map[Category]CategoryScore),
		Recommendations:   profile.Recommendations,
	}

	for _, ind := range profile.Indicators {
		entry := report.CategoryBreakdown[ind.Category]
		entry.AverageScore = (entry.AverageScore*float64(entry.Count) + ind.Score) / float64(entry.Count+1)
		entry.Count++
		entry.MaxScore = math.Max(entry.MaxScore, ind.Score)
		report.CategoryBreakdown[ind.Category] = entry
	}

	sorted := make([]Indicator, len(profile.Indicators))
	copy(sorted, profile.Indicators)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	for i, ind := range sorted {
		if i >= 5 {
			break
		}
		report.TopRisks = append(report.TopRisks, TopRisk{
			Category:    ind.Category,
			Score:       ind.Score,
			Description: ind.Description,
			FirstSeen:   ind.FirstSeen,
		})
	}

	if n := len(profile.Indicators); n > 0 {
		recent := 0
		var confidenceSum float64
		for _, ind := range profile.Indicators {
			if time.Since(ind.LastSeen) < 7*24*time.Hour {
				recent++
			}
			confidenceSum += ind.Confidence
		}
		report.ConfidenceScore = 0.3*math.Min(float64(len(profile.DataSources))/3.0, 1.0) +
			0.4*math.Min(float64(recent)/float64(n), 1.0) +
			0.3*(confidenceSum/float64(n))
	}

	return report
}
