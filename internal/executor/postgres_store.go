package executor

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mbd888/attestwatch/internal/policy"
)

// PostgresStore persists the enforcement audit trail in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed action audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, result *Result) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_results (id, wallet_address, action_type, success, tx_hash, message, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		result.ID,
		result.WalletAddress,
		string(result.ActionType),
		result.Success,
		result.TxHash,
		result.Message,
		result.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record action result: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByWallet(ctx context.Context, wallet string, limit int) ([]*Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_address, action_type, success, tx_hash, message, executed_at
		FROM action_results
		WHERE wallet_address = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list action results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*Result
	for rows.Next() {
		var r Result
		var actionType string
		if err := rows.Scan(&r.ID, &r.WalletAddress, &actionType, &r.Success, &r.TxHash, &r.Message, &r.Timestamp); err != nil {
			continue
		}
		r.ActionType = policy.ActionType(actionType)
		results = append(results, &r)
	}
	return results, nil
}
