package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/risk"
	"github.com/XavierBriggs/fortuna/services/risk-engine/pkg/models"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// ErrBankrollNotFound is returned when no bankroll row exists for a user
var ErrBankrollNotFound = errors.New("bankroll not found")

// Store defines the persistence operations the service needs
type Store interface {
	Ping(ctx context.Context) error
	Snapshot(ctx context.Context, userID string) (risk.BankrollState, error)
	SaveBatch(ctx context.Context, batch *models.Batch) error
	RecentBatches(ctx context.Context, userID string, limit int) ([]models.BatchHeader, error)
	Close() error
}

// Postgres implements Store for PostgreSQL (Holocron)
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a Postgres store
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

// Ping checks database connectivity
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the connection pool
func (p *Postgres) Close() error {
	return p.db.Close()
}

// EnsureSchema creates the tables this service owns if they are missing
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Snapshot reads a user's bankroll in one read-only repeatable-read transaction,
// so the engine never sizes against a half-updated daily loss figure.
// The daily loss counter reads as zero once its date is in the past.
func (p *Postgres) Snapshot(ctx context.Context, userID string) (risk.BankrollState, error) {
	var state risk.BankrollState

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
	if err != nil {
		return state, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		SELECT current_balance, starting_balance, max_daily_loss,
		       CASE WHEN daily_loss_date < CURRENT_DATE THEN 0 ELSE daily_loss_so_far END
		FROM bankrolls
		WHERE user_id = $1
	`, userID).Scan(
		&state.CurrentBalance,
		&state.StartingBalance,
		&state.MaxDailyLoss,
		&state.DailyLossSoFar,
	)
	if err == sql.ErrNoRows {
		return state, fmt.Errorf("%w: user_id %s", ErrBankrollNotFound, userID)
	}
	if err != nil {
		return state, fmt.Errorf("get bankroll: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return state, fmt.Errorf("commit snapshot: %w", err)
	}

	return state, nil
}

// SaveBatch stores the batch header and every recommendation atomically
func (p *Postgres) SaveBatch(ctx context.Context, batch *models.Batch) error {
	summaryJSON, err := json.Marshal(batch.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO recommendation_batches (
			batch_id, user_id, risk_level, confidence_threshold, current_balance,
			total_stake, staked_count, bet_count, summary, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		batch.ID,
		batch.UserID,
		batch.RiskLevel,
		batch.ConfidenceThreshold,
		batch.Bankroll.CurrentBalance,
		batch.Summary.TotalStake,
		batch.Summary.StakedCount,
		len(batch.Recommendations),
		summaryJSON,
		batch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stake_recommendations (
			batch_id, position, candidate_id, correlation_group, recommended_stake,
			kelly_fraction, applied_fraction, expected_value, flags
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return fmt.Errorf("prepare recommendation insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range batch.Recommendations {
		flags := make([]string, len(rec.Flags))
		for j, f := range rec.Flags {
			flags[j] = string(f)
		}

		if _, err := stmt.ExecContext(ctx,
			batch.ID,
			i,
			rec.ID,
			rec.CorrelationGroup,
			rec.RecommendedStake,
			rec.KellyFraction,
			rec.AppliedFraction,
			rec.ExpectedValue,
			pq.Array(flags),
		); err != nil {
			return fmt.Errorf("insert recommendation %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	return nil
}

// RecentBatches returns the newest batch headers for a user
func (p *Postgres) RecentBatches(ctx context.Context, userID string, limit int) ([]models.BatchHeader, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT batch_id, user_id, created_at, risk_level, total_stake, staked_count, bet_count
		FROM recommendation_batches
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	headers := []models.BatchHeader{}
	for rows.Next() {
		var h models.BatchHeader
		if err := rows.Scan(&h.ID, &h.UserID, &h.CreatedAt, &h.RiskLevel, &h.TotalStake, &h.StakedCount, &h.BetCount); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		headers = append(headers, h)
	}

	return headers, rows.Err()
}
