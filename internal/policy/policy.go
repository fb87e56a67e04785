// Package policy evaluates wallet risk profiles against a configurable rule
// table and resolves matched rules into a prioritized action list.
//
// A policy matches only when every specified condition holds. Actions from
// all matched policies are unioned without deduplication and sorted by a
// fixed action-type priority; the executor tolerates repeated action types
// within one cycle.
package policy

import (
	"errors"
	"time"

	"github.com/mbd888/attestwatch/internal/risk"
)

// Errors
var (
	ErrPolicyNotFound = errors.New("policy: not found")
	ErrDuplicateID    = errors.New("policy: id already exists")
)

// ActionType names an enforcement or notification step.
type ActionType string

const (
	ActionNone             ActionType = "no_action"
	ActionFlag             ActionType = "flag_attestation"
	ActionSuspend          ActionType = "suspend_attestation"
	ActionRevoke           ActionType = "revoke_attestation"
	ActionRequestKYC       ActionType = "request_additional_kyc"
	ActionEscalate         ActionType = "escalate_to_compliance"
	ActionNotifyUser       ActionType = "notify_user"
	ActionNotifyCompliance ActionType = "notify_compliance_team"
)

// ExecutionPriority orders action types for resolution. Higher executes
// first; ties are broken by ascending delay.
func (a ActionType) ExecutionPriority() int {
	switch a {
	case ActionRevoke:
		return 4
	case ActionSuspend, ActionEscalate:
		return 3
	case ActionFlag, ActionRequestKYC:
		return 2
	case ActionNotifyUser, ActionNotifyCompliance:
		return 1
	default:
		return 0
	}
}

// ActionParameters carry per-action configuration.
type ActionParameters struct {
	FlagReason             string `json:"flagReason,omitempty"`
	SuspensionDurationDays int    `json:"suspensionDurationDays,omitempty"`
	RevocationReason       string `json:"revocationReason,omitempty"`
	NotificationMessage    string `json:"notificationMessage,omitempty"`
	EscalationLevel        int    `json:"escalationLevel,omitempty"`
}

// Action is one step a matched policy asks for. DelayMinutes defers
// execution by wall-clock time from evaluation; RequiresApproval actions are
// surfaced but never auto-executed.
type Action struct {
	Type             ActionType       `json:"type"`
	Parameters       ActionParameters `json:"parameters"`
	DelayMinutes     int              `json:"delayMinutes"`
	RequiresApproval bool             `json:"requiresApproval"`
}

// Conditions gate a policy. Zero-valued fields are unspecified and do not
// constrain the match; all specified conditions must hold together.
type Conditions struct {
	// RiskLevel requires exact level equality when set.
	RiskLevel risk.Level `json:"riskLevel,omitempty"`
	// RiskScoreMin is an inclusive lower bound. Nil means unbounded.
	RiskScoreMin *float64 `json:"riskScoreMin,omitempty"`
	// RiskScoreMax is an exclusive upper bound. Nil means unbounded.
	RiskScoreMax *float64 `json:"riskScoreMax,omitempty"`
	// Categories requires at least one indicator category to intersect.
	Categories []risk.Category `json:"categories,omitempty"`
	// AttestationAgeDays requires a known attestation age of at least this
	// many days. An unknown age fails the condition.
	AttestationAgeDays *int `json:"attestationAgeDays,omitempty"`
	// VolumeThreshold requires known recent volume of at least this much.
	// Unknown volume fails the condition.
	VolumeThreshold *float64 `json:"volumeThreshold,omitempty"`
	// RequiredSources must all be present on the profile.
	RequiredSources []risk.DataSource `json:"requiredSources,omitempty"`
}

// Priority grades a policy for reporting.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// RiskPolicy is one rule in the table.
type RiskPolicy struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Conditions Conditions `json:"conditions"`
	Actions    []Action   `json:"actions"`
	Priority   Priority   `json:"priority"`
	Active     bool       `json:"active"`
}

// EscalationTier maps a score threshold to the approvals it demands.
type EscalationTier struct {
	Level             int      `json:"level"`
	RiskThreshold     float64  `json:"riskThreshold"`
	RequiredApprovals int      `json:"requiredApprovals"`
	ApproverRoles     []string `json:"approverRoles"`
}

// EscalationPath is the ordered tier list. Tier order is significant: the
// first tier whose threshold the score meets wins, so tiers must ascend by
// threshold.
type EscalationPath struct {
	Tiers             []EscalationTier `json:"tiers"`
	AutoEscalateHours int              `json:"autoEscalateHours"`
}

// EvaluationResult is the outcome of matching one profile against the table.
type EvaluationResult struct {
	WalletAddress      string       `json:"walletAddress"`
	RiskScore          float64      `json:"riskScore"`
	RiskLevel          risk.Level   `json:"riskLevel"`
	MatchedPolicies    []RiskPolicy `json:"matchedPolicies"`
	RecommendedActions []Action     `json:"recommendedActions"`
	EvaluatedAt        time.Time    `json:"evaluatedAt"`
	// EscalationLevel is 0 when no tier threshold is met.
	EscalationLevel int `json:"escalationLevel"`
}

func f64(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }

// SeedPolicies returns the default rule table. Thresholds tie the score
// ranges to the model's level cutoffs so level and score conditions agree.
func SeedPolicies(thresholds risk.Thresholds) []RiskPolicy {
	return []RiskPolicy{
		{
			ID:   "critical_risk",
			Name: "Critical Risk Immediate Action",
			Conditions: Conditions{
				RiskLevel:       risk.LevelCritical,
				RiskScoreMin:    f64(thresholds.Critical),
				Categories:      []risk.Category{risk.CategorySanctions, risk.CategoryIllicitActivity},
				RequiredSources: []risk.DataSource{risk.SourceTRMLabs, risk.SourceChainalysis},
			},
			Actions: []Action{
				{
					Type:       ActionRevoke,
					Parameters: ActionParameters{RevocationReason: "Critical risk detected"},
				},
				{
					Type:         ActionNotifyCompliance,
					Parameters:   ActionParameters{NotificationMessage: "Critical risk detected - attestation revoked"},
					DelayMinutes: 5,
				},
			},
			Priority: PriorityCritical,
			Active:   true,
		},
		{
			ID:   "high_risk",
			Name: "High Risk Suspension",
			Conditions: Conditions{
				RiskLevel:    risk.LevelHigh,
				RiskScoreMin: f64(thresholds.High),
				RiskScoreMax: f64(thresholds.Critical),
			},
			Actions: []Action{
				{
					Type:             ActionSuspend,
					Parameters:       ActionParameters{SuspensionDurationDays: 7},
					RequiresApproval: true,
				},
				{
					Type:         ActionRequestKYC,
					Parameters:   ActionParameters{NotificationMessage: "Additional KYC required due to high risk"},
					DelayMinutes: 60,
				},
			},
			Priority: PriorityHigh,
			Active:   true,
		},
		{
			ID:   "medium_risk",
			Name: "Medium Risk Flagging",
			Conditions: Conditions{
				RiskLevel:    risk.LevelMedium,
				RiskScoreMin: f64(thresholds.Medium),
				RiskScoreMax: f64(thresholds.High),
			},
			Actions: []Action{
				{
					Type:       ActionFlag,
					Parameters: ActionParameters{FlagReason: "Medium risk level detected"},
				},
				{
					Type:         ActionNotifyUser,
					Parameters:   ActionParameters{NotificationMessage: "Your attestation has been flagged for review"},
					DelayMinutes: 120,
				},
			},
			Priority: PriorityMedium,
			Active:   true,
		},
		{
			ID:   "sanctions_exposure",
			Name: "Sanctions Exposure",
			Conditions: Conditions{
				RiskScoreMin:    f64(80),
				Categories:      []risk.Category{risk.CategorySanctions},
				RequiredSources: []risk.DataSource{risk.SourceTRMLabs, risk.SourceChainalysis},
			},
			Actions: []Action{
				{
					Type:       ActionEscalate,
					Parameters: ActionParameters{EscalationLevel: 1},
				},
				{
					Type:             ActionSuspend,
					Parameters:       ActionParameters{SuspensionDurationDays: 30},
					DelayMinutes:     30,
					RequiresApproval: true,
				},
			},
			Priority: PriorityCritical,
			Active:   true,
		},
		{
			ID:   "behavioral_anomaly",
			Name: "Behavioral Anomaly Detection",
			Conditions: Conditions{
				RiskScoreMin:       f64(60),
				Categories:         []risk.Category{risk.CategoryBehavioralAnomaly},
				AttestationAgeDays: iptr(30),
				VolumeThreshold:    f64(10000),
			},
			Actions: []Action{
				{
					Type:       ActionFlag,
					Parameters: ActionParameters{FlagReason: "Behavioral anomaly detected"},
				},
				{
					Type:         ActionRequestKYC,
					Parameters:   ActionParameters{NotificationMessage: "Behavioral anomaly detected - additional verification required"},
					DelayMinutes: 240,
				},
			},
			Priority: PriorityMedium,
			Active:   true,
		},
	}
}

// DefaultEscalationPath returns the standard three-tier approval ladder.
func DefaultEscalationPath() EscalationPath {
	return EscalationPath{
		Tiers: []EscalationTier{
			{
				Level:             1,
				RiskThreshold:     75,
				RequiredApprovals: 1,
				ApproverRoles:     []string{"compliance_analyst"},
			},
			{
				Level:             2,
				RiskThreshold:     85,
				RequiredApprovals: 2,
				ApproverRoles:     []string{"senior_compliance", "compliance_manager"},
			},
			{
				Level:             3,
				RiskThreshold:     95,
				RequiredApprovals: 3,
				ApproverRoles:     []string{"head_of_compliance", "legal_counsel"},
			},
		},
		AutoEscalateHours: 24,
	}
}
