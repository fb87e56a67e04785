package policy

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/attestwatch/internal/risk"
)

// Manager holds the active rule table and evaluates profiles against it.
// Safe for concurrent use; evaluation takes a read lock only.
type Manager struct {
	mu         sync.RWMutex
	policies   []RiskPolicy
	escalation EscalationPath
	logger     *slog.Logger
}

// NewManager creates a manager seeded with the default rule table for the
// given scoring thresholds.
func NewManager(thresholds risk.Thresholds, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		policies:   SeedPolicies(thresholds),
		escalation: DefaultEscalationPath(),
		logger:     logger,
	}
}

// Evaluate matches the profile against every active policy. attestationAge
// and recentVolume are optional context; nil means unknown, which fails any
// policy that conditions on them.
func (m *Manager) Evaluate(profile *risk.WalletRiskProfile, attestationAgeDays *int, recentVolume *float64) *EvaluationResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []RiskPolicy
	var actions []Action
	for _, p := range m.policies {
		if !p.Active {
			continue
		}
		if matches(p.Conditions, profile, attestationAgeDays, recentVolume) {
			matched = append(matched, p)
			actions = append(actions, p.Actions...)
		}
	}

	// Priority descending, then delay ascending. Duplicate action types
	// across policies are kept.
	sort.SliceStable(actions, func(i, j int) bool {
		pi, pj := actions[i].Type.ExecutionPriority(), actions[j].Type.ExecutionPriority()
		if pi != pj {
			return pi > pj
		}
		return actions[i].DelayMinutes < actions[j].DelayMinutes
	})

	result := &EvaluationResult{
		WalletAddress:      profile.WalletAddress,
		RiskScore:          profile.OverallScore,
		RiskLevel:          profile.Level,
		MatchedPolicies:    matched,
		RecommendedActions: actions,
		EvaluatedAt:        time.Now(),
		EscalationLevel:    m.escalationLevel(profile.OverallScore),
	}

	if len(matched) > 0 {
		m.logger.Info("policy evaluation matched",
			"wallet", profile.WalletAddress,
			"score", profile.OverallScore,
			"level", profile.Level,
			"matched", len(matched),
			"actions", len(actions),
			"escalationLevel", result.EscalationLevel)
	}
	return result
}

// matches checks every specified condition conjunctively.
func matches(c Conditions, profile *risk.WalletRiskProfile, ageDays *int, volume *float64) bool {
	if c.RiskLevel != "" && profile.Level != c.RiskLevel {
		return false
	}

	if c.RiskScoreMin != nil && profile.OverallScore < *c.RiskScoreMin {
		return false
	}
	if c.RiskScoreMax != nil && profile.OverallScore >= *c.RiskScoreMax {
		return false
	}

	if len(c.Categories) > 0 {
		present := profile.Categories()
		found := false
		for _, cat := range c.Categories {
			if present[cat] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if c.AttestationAgeDays != nil {
		if ageDays == nil || *ageDays < *c.AttestationAgeDays {
			return false
		}
	}

	if c.VolumeThreshold != nil {
		if volume == nil || *volume < *c.VolumeThreshold {
			return false
		}
	}

	for _, src := range c.RequiredSources {
		if !profile.HasSource(src) {
			return false
		}
	}

	return true
}

// escalationLevel scans tiers in declared order and returns the first whose
// threshold the score meets, or 0.
func (m *Manager) escalationLevel(score float64) int {
	for _, tier := range m.escalation.Tiers {
		if score >= tier.RiskThreshold {
			return tier.Level
		}
	}
	return 0
}

// EscalationTierFor returns the tier definition for a level, or nil.
func (m *Manager) EscalationTierFor(level int) *EscalationTier {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range m.escalation.Tiers {
		if m.escalation.Tiers[i].Level == level {
			tier := m.escalation.Tiers[i]
			return &tier
		}
	}
	return nil
}

// Policies returns a snapshot of the rule table.
func (m *Manager) Policies() []RiskPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RiskPolicy, len(m.policies))
	copy(out, m.policies)
	return out
}

// Get returns a policy by ID.
func (m *Manager) Get(id string) (RiskPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.policies {
		if p.ID == id {
			return p, nil
		}
	}
	return RiskPolicy{}, ErrPolicyNotFound
}

// Add appends a new policy to the table.
func (m *Manager) Add(p RiskPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.policies {
		if existing.ID == p.ID {
			return ErrDuplicateID
		}
	}
	m.policies = append(m.policies, p)
	m.logger.Info("policy added", "id", p.ID, "name", p.Name)
	return nil
}

// Update replaces a policy by ID.
func (m *Manager) Update(id string, p RiskPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.policies {
		if m.policies[i].ID == id {
			p.ID = id
			m.policies[i] = p
			m.logger.Info("policy updated", "id", id)
			return nil
		}
	}
	return ErrPolicyNotFound
}

// Deactivate marks a policy inactive without removing it from the table.
func (m *Manager) Deactivate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.policies {
		if m.policies[i].ID == id {
			m.policies[i].Active = false
			m.logger.Info("policy deactivated", "id", id)
			return nil
		}
	}
	return ErrPolicyNotFound
}
