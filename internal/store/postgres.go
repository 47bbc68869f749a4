package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/model"
)

// Schema creates the tables PostgresStore needs. Balances are NUMERIC for
// exact decimal precision; predictions are stored as JSONB documents with
// the columns used for filtering pulled out.
const Schema = `
CREATE TABLE IF NOT EXISTS predictions (
	advisor_id    TEXT        NOT NULL,
	prediction_id TEXT        NOT NULL,
	filed_on      DATE        NOT NULL,
	seq           BIGSERIAL,
	ticker        TEXT        NOT NULL,
	created_date  TIMESTAMPTZ NOT NULL,
	closed        BOOLEAN     NOT NULL DEFAULT FALSE,
	settled       BOOLEAN     NOT NULL DEFAULT FALSE,
	doc           JSONB       NOT NULL,
	PRIMARY KEY (advisor_id, prediction_id)
);
CREATE INDEX IF NOT EXISTS predictions_advisor_filed ON predictions (advisor_id, filed_on, seq);

CREATE TABLE IF NOT EXISTS accounts (
	advisor_id  TEXT PRIMARY KEY,
	cash        NUMERIC NOT NULL,
	investment  NUMERIC NOT NULL,
	liquid_cash NUMERIC NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	advisor_id        TEXT        NOT NULL,
	txn_key           TEXT        NOT NULL,
	prediction_id     TEXT        NOT NULL,
	cash_delta        NUMERIC     NOT NULL,
	investment_delta  NUMERIC     NOT NULL,
	liquid_cash_delta NUMERIC     NOT NULL,
	timestamp         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (advisor_id, txn_key)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres.Migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddPredictions(ctx context.Context, advisorID string, date time.Time, preds []model.Prediction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres.AddPredictions begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range preds {
		doc, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("postgres.AddPredictions marshal %s: %w", p.ID, err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO predictions (advisor_id, prediction_id, filed_on, ticker, created_date, closed, settled, doc)
			 VALUES ($1, $2, $3::DATE, $4, $5, $6, $7, $8)`,
			advisorID, p.ID, model.DateKey(date), p.Position.Security.Ticker,
			p.CreatedDate, p.IsClosed(), p.Settled, doc,
		)
		if err != nil {
			return fmt.Errorf("postgres.AddPredictions insert %s: %w", p.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetPrediction(ctx context.Context, advisorID, predictionID string) (*model.Prediction, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM predictions WHERE advisor_id = $1 AND prediction_id = $2`,
		advisorID, predictionID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("prediction", predictionID)
		}
		return nil, fmt.Errorf("postgres.GetPrediction %s: %w", predictionID, err)
	}

	var p model.Prediction
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("postgres.GetPrediction decode %s: %w", predictionID, err)
	}
	return &p, nil
}

func (s *PostgresStore) UpdatePrediction(ctx context.Context, p *model.Prediction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres.UpdatePrediction begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current []byte
	err = tx.QueryRow(ctx,
		`SELECT doc FROM predictions
		 WHERE advisor_id = $1 AND prediction_id = $2 AND ticker = $3 AND created_date = $4
		 FOR UPDATE`,
		p.AdvisorID, p.ID, p.Position.Security.Ticker, p.CreatedDate).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.NotFound("prediction", p.ID)
		}
		return fmt.Errorf("postgres.UpdatePrediction lock %s: %w", p.ID, err)
	}
	var existing model.Prediction
	if err := json.Unmarshal(current, &existing); err != nil {
		return fmt.Errorf("postgres.UpdatePrediction decode %s: %w", p.ID, err)
	}
	if err := checkReplace(&existing, p); err != nil {
		return err
	}

	next := *p
	next.Version++
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("postgres.UpdatePrediction marshal %s: %w", p.ID, err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE predictions SET doc = $3, closed = $4, settled = $5
		 WHERE advisor_id = $1 AND prediction_id = $2`,
		p.AdvisorID, p.ID, doc, next.IsClosed(), next.Settled,
	)
	if err != nil {
		return fmt.Errorf("postgres.UpdatePrediction %s: %w", p.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres.UpdatePrediction commit %s: %w", p.ID, err)
	}
	p.Version = next.Version
	return nil
}

func (s *PostgresStore) ListPredictions(ctx context.Context, q PredictionQuery) ([]model.Prediction, error) {
	query := `SELECT doc FROM predictions WHERE advisor_id = $1`
	args := []interface{}{q.AdvisorID}

	if !q.From.IsZero() {
		args = append(args, model.DateKey(q.From))
		query += fmt.Sprintf(" AND filed_on >= $%d::DATE", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, model.DateKey(q.To))
		query += fmt.Sprintf(" AND filed_on <= $%d::DATE", len(args))
	}
	if q.OpenOnly {
		query += " AND NOT closed"
	}
	if q.Unsettled {
		query += " AND closed AND NOT settled"
	}
	if q.Ticker != "" {
		args = append(args, q.Ticker)
		query += fmt.Sprintf(" AND ticker = $%d", len(args))
	}
	query += " ORDER BY filed_on, seq"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres.ListPredictions: %w", err)
	}
	defer rows.Close()

	var result []model.Prediction
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var p model.Prediction
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("postgres.ListPredictions decode: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListActiveAdvisors(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT advisor_id FROM predictions
		 WHERE NOT closed OR NOT settled
		 ORDER BY advisor_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres.ListActiveAdvisors: %w", err)
	}
	defer rows.Close()

	var advisors []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		advisors = append(advisors, id)
	}
	return advisors, rows.Err()
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (advisor_id, cash, investment, liquid_cash, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5)`,
		a.AdvisorID, a.Cash.String(), a.Investment.String(), a.LiquidCash.String(), a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, advisorID string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT advisor_id, cash::TEXT, investment::TEXT, liquid_cash::TEXT, updated_at
		 FROM accounts WHERE advisor_id = $1`, advisorID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("account", advisorID)
		}
		return nil, fmt.Errorf("postgres.GetAccount %s: %w", advisorID, err)
	}
	return a, nil
}

// UpdateAccount locks the account row with FOR UPDATE for the duration of
// the transaction; the ledger_entries primary key makes key exactly-once.
func (s *PostgresStore) UpdateAccount(ctx context.Context, advisorID, key, predictionID string, fn func(*model.Account) error) (*model.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres.UpdateAccount begin: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanAccount(tx.QueryRow(ctx,
		`SELECT advisor_id, cash::TEXT, investment::TEXT, liquid_cash::TEXT, updated_at
		 FROM accounts WHERE advisor_id = $1 FOR UPDATE`, advisorID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("account", advisorID)
		}
		return nil, fmt.Errorf("postgres.UpdateAccount lock: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE advisor_id = $1 AND txn_key = $2)`,
		advisorID, key).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("postgres.UpdateAccount check key: %w", err)
	}
	if exists {
		return current, errs.ErrAlreadyApplied
	}

	before := *current
	next := *current
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx,
		`UPDATE accounts
		 SET cash = $2::NUMERIC, investment = $3::NUMERIC, liquid_cash = $4::NUMERIC, updated_at = $5
		 WHERE advisor_id = $1`,
		advisorID, next.Cash.String(), next.Investment.String(), next.LiquidCash.String(), next.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.UpdateAccount update: %w", err)
	}

	e := ledgerEntry(advisorID, key, predictionID, before, next, next.UpdatedAt)
	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (advisor_id, txn_key, prediction_id, cash_delta, investment_delta, liquid_cash_delta, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		e.AdvisorID, e.Key, e.PredictionID,
		e.CashDelta.String(), e.InvDelta.String(), e.LiquidDelta.String(), e.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.UpdateAccount log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres.UpdateAccount commit: %w", err)
	}
	return &next, nil
}

func (s *PostgresStore) GetLedgerEntries(ctx context.Context, advisorID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT advisor_id, txn_key, prediction_id,
		        cash_delta::TEXT, investment_delta::TEXT, liquid_cash_delta::TEXT, timestamp
		 FROM ledger_entries WHERE advisor_id = $1 ORDER BY timestamp`, advisorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// pgxRow is satisfied by pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row pgxRow) (*model.Account, error) {
	var a model.Account
	var cashS, invS, liquidS string
	if err := row.Scan(&a.AdvisorID, &cashS, &invS, &liquidS, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Cash, _ = decimal.NewFromString(cashS)
	a.Investment, _ = decimal.NewFromString(invS)
	a.LiquidCash, _ = decimal.NewFromString(liquidS)
	return &a, nil
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var cashS, invS, liquidS string

		if err := rows.Scan(&e.AdvisorID, &e.Key, &e.PredictionID,
			&cashS, &invS, &liquidS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.CashDelta, _ = decimal.NewFromString(cashS)
		e.InvDelta, _ = decimal.NewFromString(invS)
		e.LiquidDelta, _ = decimal.NewFromString(liquidS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
