package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists profile history in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed profile audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, profile *WalletRiskProfile) error {
	indicatorsJSON, err := json.Marshal(profile.Indicators)
	if err != nil {
		return fmt.Errorf("failed to marshal indicators: %w", err)
	}
	sourcesJSON, err := json.Marshal(profile.DataSources)
	if err != nil {
		return fmt.Errorf("failed to marshal data sources: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_profiles (wallet_address, overall_score, level, indicators, data_sources, attestation_key, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		profile.WalletAddress,
		profile.OverallScore,
		string(profile.Level),
		indicatorsJSON,
		sourcesJSON,
		profile.AttestationKey,
		profile.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByWallet(ctx context.Context, wallet string, limit int) ([]*WalletRiskProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wallet_address, overall_score, level, indicators, data_sources, attestation_key, last_updated
		FROM risk_profiles
		WHERE wallet_address = $1
		ORDER BY last_updated DESC
		LIMIT $2
	`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*WalletRiskProfile
	for rows.Next() {
		var p WalletRiskProfile
		var indicatorsJSON, sourcesJSON []byte
		var lastUpdated time.Time

		if err := rows.Scan(&p.WalletAddress, &p.OverallScore, &p.Level, &indicatorsJSON, &sourcesJSON, &p.AttestationKey, &lastUpdated); err != nil {
			continue
		}
		p.LastUpdated = lastUpdated
		_ = json.Unmarshal(indicatorsJSON, &p.Indicators)
		_ = json.Unmarshal(sourcesJSON, &p.DataSources)
		result = append(result, &p)
	}
	return result, nil
}
