package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/25x8/referral-ledger/internal/referrals/models"
	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/shopspring/decimal"
)

const (
	codeConstraint = "referral_accounts_code_unique"

	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateUniqueViolation      = "23505"
)

const accountColumns = `account_id, referral_code, display_name, email,
	total_referrals, qualified_referrals, installed_referrals,
	total_earnings, pending_earnings, paid_earnings, created_at, updated_at`

const trackingColumns = `tracking_id, referrer_account_id, contact_name, contact_email, contact_phone, status,
	signup_amount, signup_completed_at, qualified_amount, qualified_completed_at,
	site_survey_amount, site_survey_completed_at, installed_amount, installed_completed_at,
	earnings, created_at, updated_at`

const payoutColumns = `payout_id, account_id, amount, method, status, requested_at, processed_at`

const listPayoutsQuery = `SELECT ` + payoutColumns + `
	FROM referral_payouts
	WHERE account_id = $1
	ORDER BY requested_at DESC`

const correctionColumns = `correction_id, tracking_id, from_status, to_status, reason, actor, created_at`

var schema = []string{
	`CREATE TABLE IF NOT EXISTS referral_accounts (
		account_id VARCHAR(255) PRIMARY KEY,
		referral_code VARCHAR(16) NOT NULL,
		display_name VARCHAR(255) NOT NULL,
		email VARCHAR(255) NOT NULL DEFAULT '',
		total_referrals BIGINT NOT NULL DEFAULT 0,
		qualified_referrals BIGINT NOT NULL DEFAULT 0,
		installed_referrals BIGINT NOT NULL DEFAULT 0,
		total_earnings NUMERIC(12, 2) NOT NULL DEFAULT 0,
		pending_earnings NUMERIC(12, 2) NOT NULL DEFAULT 0 CHECK (pending_earnings >= 0),
		paid_earnings NUMERIC(12, 2) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT ` + codeConstraint + ` UNIQUE (referral_code)
	)`,
	`CREATE TABLE IF NOT EXISTS referral_tracking (
		tracking_id VARCHAR(64) PRIMARY KEY,
		referrer_account_id VARCHAR(255) NOT NULL REFERENCES referral_accounts(account_id),
		contact_name VARCHAR(255) NOT NULL,
		contact_email VARCHAR(255) NOT NULL DEFAULT '',
		contact_phone VARCHAR(64) NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		signup_amount NUMERIC(12, 2) NOT NULL DEFAULT 0,
		signup_completed_at TIMESTAMPTZ,
		qualified_amount NUMERIC(12, 2) NOT NULL DEFAULT 0,
		qualified_completed_at TIMESTAMPTZ,
		site_survey_amount NUMERIC(12, 2) NOT NULL DEFAULT 0,
		site_survey_completed_at TIMESTAMPTZ,
		installed_amount NUMERIC(12, 2) NOT NULL DEFAULT 0,
		installed_completed_at TIMESTAMPTZ,
		earnings NUMERIC(12, 2) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS referral_tracking_referrer_idx
		ON referral_tracking (referrer_account_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS referral_payouts (
		payout_id VARCHAR(64) PRIMARY KEY,
		account_id VARCHAR(255) NOT NULL REFERENCES referral_accounts(account_id),
		amount NUMERIC(12, 2) NOT NULL CHECK (amount > 0),
		method VARCHAR(32) NOT NULL,
		status VARCHAR(32) NOT NULL,
		requested_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS referral_payouts_account_idx
		ON referral_payouts (account_id, requested_at DESC)`,
	`CREATE TABLE IF NOT EXISTS referral_corrections (
		correction_id VARCHAR(64) PRIMARY KEY,
		tracking_id VARCHAR(64) NOT NULL REFERENCES referral_tracking(tracking_id),
		from_status VARCHAR(32) NOT NULL,
		to_status VARCHAR(32) NOT NULL,
		reason TEXT NOT NULL,
		actor VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	databaseURI string
	db          *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(databaseURI string) *PostgresRepository {
	return &PostgresRepository{
		databaseURI: databaseURI,
		db:          nil, // Will be initialized in InitDB
	}
}

// NewPostgresRepositoryWithDB wraps an already opened connection pool
func NewPostgresRepositoryWithDB(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// InitDB initializes the database connection and schema
func (r *PostgresRepository) InitDB(ctx context.Context) error {
	if r.db == nil {
		db, err := sql.Open("pgx", r.databaseURI)
		if err != nil {
			return err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return err
		}
		r.db = db
	}

	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (r *PostgresRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// InTx runs fn in a serializable transaction. Serialization failures surface as ErrTransientConflict.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapError(err)
	}

	if err := fn(&postgresTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// Account repository methods
func (r *PostgresRepository) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM referral_accounts WHERE account_id = $1",
		accountID,
	)
	return scanAccount(row)
}

func (r *PostgresRepository) GetAccountByCode(ctx context.Context, code string) (*models.Account, error) {
	return getAccountByCode(ctx, r.db, code)
}

func (r *PostgresRepository) TopAccounts(ctx context.Context, limit int) ([]models.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+`
         FROM referral_accounts
         ORDER BY installed_referrals DESC, qualified_referrals DESC, created_at ASC, account_id ASC
         LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return accounts, nil
}

// Tracking repository methods
func (r *PostgresRepository) GetTracking(ctx context.Context, trackingID string) (*models.Tracking, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+trackingColumns+" FROM referral_tracking WHERE tracking_id = $1",
		trackingID,
	)
	return scanTracking(row)
}

func (r *PostgresRepository) ListTrackingByReferrer(ctx context.Context, accountID string) ([]models.Tracking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+trackingColumns+`
         FROM referral_tracking
         WHERE referrer_account_id = $1
         ORDER BY created_at DESC, tracking_id DESC`,
		accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.Tracking
	for rows.Next() {
		tracking, err := scanTracking(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *tracking)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

func (r *PostgresRepository) ListCorrections(ctx context.Context, trackingID string) ([]models.Correction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+correctionColumns+`
         FROM referral_corrections
         WHERE tracking_id = $1
         ORDER BY created_at DESC`,
		trackingID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var corrections []models.Correction
	for rows.Next() {
		var c models.Correction
		if err := rows.Scan(&c.ID, &c.TrackingID, &c.FromStatus, &c.ToStatus, &c.Reason, &c.Actor, &c.CreatedAt); err != nil {
			return nil, err
		}
		corrections = append(corrections, c)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return corrections, nil
}

// Payout repository methods
func (r *PostgresRepository) GetPayout(ctx context.Context, payoutID string) (*models.Payout, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+payoutColumns+" FROM referral_payouts WHERE payout_id = $1",
		payoutID,
	)
	return scanPayout(row)
}

func (r *PostgresRepository) ListPayouts(ctx context.Context, accountID string) ([]models.Payout, error) {
	return queryPayouts(ctx, r.db, listPayoutsQuery, accountID)
}

func (r *PostgresRepository) ListOpenPayouts(ctx context.Context, limit int) ([]models.Payout, error) {
	return queryPayouts(ctx, r.db,
		`SELECT `+payoutColumns+`
         FROM referral_payouts
         WHERE status IN ('pending', 'processing')
         ORDER BY requested_at ASC
         LIMIT $1`,
		limit,
	)
}

func queryPayouts(ctx context.Context, q queryer, query string, args ...any) ([]models.Payout, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []models.Payout
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *payout)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return payouts, nil
}

// postgresTx implements Tx on top of a serializable sql.Tx
type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) CreateAccount(ctx context.Context, a *models.Account) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO referral_accounts (`+accountColumns+`)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.ReferralCode, a.DisplayName, a.Email,
		a.TotalReferrals, a.QualifiedReferrals, a.InstalledReferrals,
		a.TotalEarnings, a.PendingEarnings, a.PaidEarnings, a.CreatedAt, a.UpdatedAt,
	)
	return mapError(err)
}

func (t *postgresTx) GetAccountForUpdate(ctx context.Context, accountID string) (*models.Account, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM referral_accounts WHERE account_id = $1 FOR UPDATE",
		accountID,
	)
	account, err := scanAccount(row)
	return account, mapError(err)
}

func (t *postgresTx) GetAccountByCode(ctx context.Context, code string) (*models.Account, error) {
	account, err := getAccountByCode(ctx, t.tx, code)
	return account, mapError(err)
}

func (t *postgresTx) IncrementReferrals(ctx context.Context, accountID string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE referral_accounts
         SET total_referrals = total_referrals + 1, updated_at = $2
         WHERE account_id = $1`,
		accountID, time.Now(),
	)
	return requireRow(res, err, "account "+accountID)
}

func (t *postgresTx) CreditAccount(ctx context.Context, accountID string, c models.Credit) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE referral_accounts
         SET total_earnings = total_earnings + $2,
             pending_earnings = pending_earnings + $2,
             qualified_referrals = qualified_referrals + $3,
             installed_referrals = installed_referrals + $4,
             updated_at = $5
         WHERE account_id = $1`,
		accountID, c.Amount, c.Qualified, c.Installed, time.Now(),
	)
	return requireRow(res, err, "account "+accountID)
}

func (t *postgresTx) DebitPending(ctx context.Context, accountID string, amount decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE referral_accounts
         SET pending_earnings = pending_earnings - $2, updated_at = $3
         WHERE account_id = $1 AND pending_earnings >= $2`,
		accountID, amount, time.Now(),
	)
	if err != nil {
		return mapError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	err = t.tx.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM referral_accounts WHERE account_id = $1)",
		accountID,
	).Scan(&exists)
	if err != nil {
		return mapError(err)
	}
	if !exists {
		return fmt.Errorf("account %s: %w", accountID, models.ErrNotFound)
	}
	return fmt.Errorf("account %s: %w", accountID, models.ErrInsufficientBalance)
}

func (t *postgresTx) RestorePending(ctx context.Context, accountID string, amount decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE referral_accounts
         SET pending_earnings = pending_earnings + $2, updated_at = $3
         WHERE account_id = $1`,
		accountID, amount, time.Now(),
	)
	return requireRow(res, err, "account "+accountID)
}

func (t *postgresTx) AddPaid(ctx context.Context, accountID string, amount decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE referral_accounts
         SET paid_earnings = paid_earnings + $2, updated_at = $3
         WHERE account_id = $1`,
		accountID, amount, time.Now(),
	)
	return requireRow(res, err, "account "+accountID)
}

func (t *postgresTx) CreateTracking(ctx context.Context, tr *models.Tracking) error {
	ms := tr.Milestones
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO referral_tracking (`+trackingColumns+`)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		tr.ID, tr.ReferrerAccountID, tr.Contact.Name, tr.Contact.Email, tr.Contact.Phone, tr.Status,
		ms.Signup.Amount, nullTime(ms.Signup), ms.Qualified.Amount, nullTime(ms.Qualified),
		ms.SiteSurvey.Amount, nullTime(ms.SiteSurvey), ms.Installed.Amount, nullTime(ms.Installed),
		tr.Earnings, tr.CreatedAt, tr.UpdatedAt,
	)
	return mapError(err)
}

func (t *postgresTx) GetTrackingForUpdate(ctx context.Context, trackingID string) (*models.Tracking, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+trackingColumns+" FROM referral_tracking WHERE tracking_id = $1 FOR UPDATE",
		trackingID,
	)
	tracking, err := scanTracking(row)
	return tracking, mapError(err)
}

func (t *postgresTx) SwapTracking(ctx context.Context, tr *models.Tracking, expected models.Status) error {
	ms := tr.Milestones
	res, err := t.tx.ExecContext(ctx,
		`UPDATE referral_tracking
         SET status = $3,
             signup_completed_at = $4,
             qualified_completed_at = $5,
             site_survey_completed_at = $6,
             installed_completed_at = $7,
             earnings = $8,
             updated_at = $9
         WHERE tracking_id = $1 AND status = $2`,
		tr.ID, expected, tr.Status,
		nullTime(ms.Signup), nullTime(ms.Qualified), nullTime(ms.SiteSurvey), nullTime(ms.Installed),
		tr.Earnings, tr.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("tracking %s moved from %s: %w", tr.ID, expected, models.ErrTransientConflict)
	}
	return nil
}

func (t *postgresTx) CreateCorrection(ctx context.Context, c *models.Correction) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO referral_corrections (`+correctionColumns+`)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.TrackingID, c.FromStatus, c.ToStatus, c.Reason, c.Actor, c.CreatedAt,
	)
	return mapError(err)
}

func (t *postgresTx) CreatePayout(ctx context.Context, p *models.Payout) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO referral_payouts (`+payoutColumns+`)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.AccountID, p.Amount, p.Method, p.Status, p.RequestedAt, p.ProcessedAt,
	)
	return mapError(err)
}

func (t *postgresTx) ListPayouts(ctx context.Context, accountID string) ([]models.Payout, error) {
	payouts, err := queryPayouts(ctx, t.tx, listPayoutsQuery, accountID)
	return payouts, mapError(err)
}

func (t *postgresTx) GetPayoutForUpdate(ctx context.Context, payoutID string) (*models.Payout, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+payoutColumns+" FROM referral_payouts WHERE payout_id = $1 FOR UPDATE",
		payoutID,
	)
	payout, err := scanPayout(row)
	return payout, mapError(err)
}

func (t *postgresTx) SwapPayoutStatus(ctx context.Context, payoutID string, from, to models.PayoutStatus, processedAt *time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE referral_payouts
         SET status = $3, processed_at = $4
         WHERE payout_id = $1 AND status = $2`,
		payoutID, from, to, processedAt,
	)
	if err != nil {
		return mapError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("payout %s moved from %s: %w", payoutID, from, models.ErrTransientConflict)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getAccountByCode(ctx context.Context, q queryer, code string) (*models.Account, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM referral_accounts WHERE referral_code = $1",
		code,
	)
	return scanAccount(row)
}

func scanAccount(row scanner) (*models.Account, error) {
	a := &models.Account{}
	err := row.Scan(
		&a.ID, &a.ReferralCode, &a.DisplayName, &a.Email,
		&a.TotalReferrals, &a.QualifiedReferrals, &a.InstalledReferrals,
		&a.TotalEarnings, &a.PendingEarnings, &a.PaidEarnings, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account: %w", models.ErrNotFound)
		}
		return nil, err
	}
	return a, nil
}

func scanTracking(row scanner) (*models.Tracking, error) {
	tr := &models.Tracking{}
	var signupAt, qualifiedAt, siteSurveyAt, installedAt sql.NullTime
	ms := &tr.Milestones
	err := row.Scan(
		&tr.ID, &tr.ReferrerAccountID, &tr.Contact.Name, &tr.Contact.Email, &tr.Contact.Phone, &tr.Status,
		&ms.Signup.Amount, &signupAt, &ms.Qualified.Amount, &qualifiedAt,
		&ms.SiteSurvey.Amount, &siteSurveyAt, &ms.Installed.Amount, &installedAt,
		&tr.Earnings, &tr.CreatedAt, &tr.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tracking: %w", models.ErrNotFound)
		}
		return nil, err
	}
	setCompleted(&ms.Signup, signupAt)
	setCompleted(&ms.Qualified, qualifiedAt)
	setCompleted(&ms.SiteSurvey, siteSurveyAt)
	setCompleted(&ms.Installed, installedAt)
	return tr, nil
}

func scanPayout(row scanner) (*models.Payout, error) {
	p := &models.Payout{}
	var processedAt sql.NullTime
	err := row.Scan(&p.ID, &p.AccountID, &p.Amount, &p.Method, &p.Status, &p.RequestedAt, &processedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("payout: %w", models.ErrNotFound)
		}
		return nil, err
	}
	if processedAt.Valid {
		at := processedAt.Time
		p.ProcessedAt = &at
	}
	return p, nil
}

func setCompleted(m *models.Milestone, at sql.NullTime) {
	if at.Valid {
		completedAt := at.Time
		m.Completed = true
		m.CompletedAt = &completedAt
	}
}

func nullTime(m models.Milestone) sql.NullTime {
	if !m.Completed || m.CompletedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *m.CompletedAt, Valid: true}
}

func requireRow(res sql.Result, err error, what string) error {
	if err != nil {
		return mapError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return nil
}

// mapError translates Postgres error codes into the ledger error taxonomy
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case sqlstateSerializationFailure, sqlstateDeadlockDetected:
		return fmt.Errorf("%s: %w", pgErr.Message, models.ErrTransientConflict)
	case sqlstateUniqueViolation:
		if pgErr.ConstraintName == codeConstraint {
			return fmt.Errorf("%s: %w", pgErr.Message, models.ErrCodeCollision)
		}
		return fmt.Errorf("%s: %w", pgErr.Message, models.ErrAlreadyExists)
	}
	return err
}
