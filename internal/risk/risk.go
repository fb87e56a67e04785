// Package risk defines the risk vocabulary shared across the monitoring
// pipeline and implements the wallet risk scoring model.
//
// Provider adapters emit Indicators; the scoring model aggregates them
// into a WalletRiskProfile with a 0-100 score and a five-step risk level.
// Indicators are immutable once created within an aggregation cycle.
package risk

import (
	"context"
	"encoding/json"
	"time"
)

// Level is the five-step classification of an overall risk score.
type Level string

const (
	LevelSafe     Level = "safe"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// rank orders levels for monotonicity checks and summary counting.
func (l Level) rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether l is the same or a more severe level than other.
func (l Level) AtLeast(other Level) bool { return l.rank() >= other.rank() }

// RequiresAction reports whether the level warrants remedial action.
func (l Level) RequiresAction() bool {
	return l == LevelHigh || l == LevelCritical
}

// RequiresImmediateAction reports whether the level warrants action
// without waiting for the next monitoring cycle.
func (l Level) RequiresImmediateAction() bool { return l == LevelCritical }

// Category classifies a risk indicator by the nature of the evidence.
type Category string

const (
	CategorySanctions         Category = "sanctions"
	CategoryIllicitActivity   Category = "illicit_activity"
	CategoryHighRiskService   Category = "high_risk_service"
	CategoryBehavioralAnomaly Category = "behavioral_anomaly"
	CategoryCounterpartyRisk  Category = "counterparty_risk"
	CategoryReputationRisk    Category = "reputation_risk"
	CategoryTechnicalRisk     Category = "technical_risk"
)

// Weight returns the fixed aggregation weight for a category.
// Sanctions evidence dominates; technical findings carry base weight.
func (c Category) Weight() float64 {
	switch c {
	case CategorySanctions:
		return 2.0
	case CategoryIllicitActivity:
		return 1.8
	case CategoryHighRiskService:
		return 1.5
	case CategoryBehavioralAnomaly:
		return 1.3
	case CategoryCounterpartyRisk:
		return 1.2
	case CategoryReputationRisk:
		return 1.1
	default:
		return 1.0
	}
}

// Description returns a human-readable label for reports.
func (c Category) Description() string {
	switch c {
	case CategorySanctions:
		return "Sanctions and watchlist exposure"
	case CategoryIllicitActivity:
		return "Direct involvement in illicit activities"
	case CategoryHighRiskService:
		return "Interaction with high-risk services"
	case CategoryBehavioralAnomaly:
		return "Unusual behavioral patterns"
	case CategoryCounterpartyRisk:
		return "Counterparty exposure risk"
	case CategoryReputationRisk:
		return "Reputational damage risk"
	default:
		return "Technical security risks"
	}
}

// DataSource identifies where a piece of evidence came from.
type DataSource string

const (
	SourceTRMLabs     DataSource = "trm_labs"
	SourceChainalysis DataSource = "chainalysis"
	SourceOnChain     DataSource = "on_chain"
	SourceInternal    DataSource = "internal"
	SourceManual      DataSource = "manual"
)

// Evidence is one raw observation backing an indicator.
type Evidence struct {
	Source        DataSource        `json:"source"`
	RawData       json.RawMessage   `json:"rawData,omitempty"`
	ExtractedInfo map[string]string `json:"extractedInfo,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Indicator is one unit of scored risk evidence about a wallet.
// Score is 0-100, Confidence is 0.0-1.0, LastSeen >= FirstSeen.
type Indicator struct {
	ID                string            `json:"id"`
	Category          Category          `json:"category"`
	Subcategory       string            `json:"subcategory,omitempty"`
	Score             float64           `json:"score"`
	Confidence        float64           `json:"confidence"`
	Description       string            `json:"description"`
	Evidence          []Evidence        `json:"evidence,omitempty"`
	FirstSeen         time.Time         `json:"firstSeen"`
	LastSeen          time.Time         `json:"lastSeen"`
	TransactionHashes []string          `json:"transactionHashes,omitempty"`
	AddressesInvolved []string          `json:"addressesInvolved,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// RecommendedAction names a remedial step suggested by the aggregator.
type RecommendedAction string

const (
	RecommendNoAction      RecommendedAction = "no_action"
	RecommendFlag          RecommendedAction = "flag_for_review"
	RecommendSuspend       RecommendedAction = "suspend_temporarily"
	RecommendRevoke        RecommendedAction = "revoke_attestation"
	RecommendEscalate      RecommendedAction = "escalate_to_compliance"
	RecommendAdditionalKYC RecommendedAction = "request_additional_kyc"
)

// Recommendation is an advisory entry on a profile; policy evaluation, not
// recommendations, drives actual execution.
type Recommendation struct {
	Action        RecommendedAction `json:"action"`
	Priority      Severity          `json:"priority"`
	Reason        string            `json:"reason"`
	DeadlineHours int               `json:"deadlineHours,omitempty"`
}

// Severity grades recommendations and anomaly findings.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// WalletRiskProfile is the aggregated, current risk assessment for one
// wallet. Profiles are superseded wholesale on each recomputation, never
// mutated in place; Level must always be the threshold classification of
// OverallScore at evaluation time.
type WalletRiskProfile struct {
	WalletAddress   string            `json:"walletAddress"`
	OverallScore    float64           `json:"overallScore"`
	Level           Level             `json:"level"`
	Indicators      []Indicator       `json:"indicators"`
	AttestationKey  string            `json:"attestationKey,omitempty"`
	LastUpdated     time.Time         `json:"lastUpdated"`
	DataSources     []DataSource      `json:"dataSources"`
	Recommendations []Recommendation  `json:"recommendations,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Categories returns the set of categories present on the profile.
func (p *WalletRiskProfile) Categories() map[Category]bool {
	set := make(map[Category]bool, len(p.Indicators))
	for _, ind := range p.Indicators {
		set[ind.Category] = true
	}
	return set
}

// HasSource reports whether the profile includes data from the given source.
func (p *WalletRiskProfile) HasSource(src DataSource) bool {
	for _, s := range p.DataSources {
		if s == src {
			return true
		}
	}
	return false
}

// ProfileStore persists computed profiles as an audit trail.
type ProfileStore interface {
	Record(ctx context.Context, profile *WalletRiskProfile) error
	ListByWallet(ctx context.Context, wallet string, limit int) ([]*WalletRiskProfile, error)
}
