package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koyon-nft/internal/config"
	"github.com/koyon-nft/internal/domain"
)

const uniqueViolation = "23505"

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS guesses (
			user_address VARCHAR(42) NOT NULL,
			day SMALLINT NOT NULL,
			predicted_outcome TEXT[] NOT NULL,
			submitted_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (day, user_address)
		)`,
		`CREATE TABLE IF NOT EXISTS scoring_runs (
			id UUID PRIMARY KEY,
			day SMALLINT NOT NULL,
			version BIGINT NOT NULL,
			result TEXT[] NOT NULL,
			status VARCHAR(16) NOT NULL,
			users_updated INT NOT NULL DEFAULT 0,
			already_current INT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			applied_at TIMESTAMPTZ,
			UNIQUE (day, version)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_scoring_runs_running ON scoring_runs(day) WHERE status = 'running'`,
		`CREATE TABLE IF NOT EXISTS points_balances (
			user_address VARCHAR(42) PRIMARY KEY,
			total_points BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS points_days (
			user_address VARCHAR(42) NOT NULL REFERENCES points_balances(user_address),
			day SMALLINT NOT NULL,
			points BIGINT NOT NULL,
			last_applied_version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_address, day)
		)`,
		`CREATE TABLE IF NOT EXISTS bets (
			user_address VARCHAR(42) NOT NULL,
			item_code VARCHAR(2) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (item_code, user_address)
		)`,
		`CREATE TABLE IF NOT EXISTS mints (
			user_address VARCHAR(42) PRIMARY KEY,
			category VARCHAR(32) NOT NULL,
			tx_hash VARCHAR(66) NOT NULL,
			minted_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_points_balances_total ON points_balances(total_points DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_scoring_runs_day ON scoring_runs(day, version DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// dayLockClass namespaces the per-day advisory locks that order guess
// inserts against the start of a scoring run
const dayLockClass int32 = 0x6b6f79

// RecordGuess inserts a guess; a second guess for the same day is rejected,
// as is any guess once a scoring run for the day has begun
func (r *Repository) RecordGuess(ctx context.Context, guess domain.Guess) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock_shared($1, $2)`, dayLockClass, int32(guess.Day)); err != nil {
			return fmt.Errorf("locking day: %w", err)
		}

		query := `
			INSERT INTO guesses (user_address, day, predicted_outcome, submitted_at)
			SELECT $1::varchar, $2::smallint, $3::text[], $4::timestamptz
			WHERE NOT EXISTS (SELECT 1 FROM scoring_runs WHERE day = $2)
			ON CONFLICT (day, user_address) DO NOTHING
			RETURNING true
		`
		var inserted bool
		err := tx.QueryRow(ctx, query,
			guess.UserAddress,
			int16(guess.Day),
			[]string(guess.PredictedOutcome),
			guess.SubmittedAt,
		).Scan(&inserted)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("recording guess: %w", err)
		}

		var started bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM scoring_runs WHERE day = $1)`,
			int16(guess.Day),
		).Scan(&started)
		if err != nil {
			return fmt.Errorf("checking run state: %w", err)
		}
		if started {
			return fmt.Errorf("%w: day %s", domain.ErrGuessingClosed, guess.Day)
		}
		return domain.ErrDuplicateGuess
	})
}

// GuessesFor returns a keyset page of guesses ordered by address
func (r *Repository) GuessesFor(ctx context.Context, day domain.Day, after string, limit int) ([]domain.Guess, error) {
	query := `
		SELECT user_address, day, predicted_outcome, submitted_at
		FROM guesses
		WHERE day = $1 AND user_address > $2
		ORDER BY user_address
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, int16(day), after, limit)
	if err != nil {
		return nil, fmt.Errorf("listing guesses: %w", err)
	}
	defer rows.Close()

	return scanGuesses(rows)
}

// GuessesByUser returns every guess an address has submitted
func (r *Repository) GuessesByUser(ctx context.Context, address string) ([]domain.Guess, error) {
	query := `
		SELECT user_address, day, predicted_outcome, submitted_at
		FROM guesses
		WHERE user_address = $1
		ORDER BY day
	`
	rows, err := r.pool.Query(ctx, query, address)
	if err != nil {
		return nil, fmt.Errorf("listing user guesses: %w", err)
	}
	defer rows.Close()

	return scanGuesses(rows)
}

func scanGuesses(rows pgx.Rows) ([]domain.Guess, error) {
	var guesses []domain.Guess
	for rows.Next() {
		var (
			g       domain.Guess
			day     int16
			outcome []string
		)
		if err := rows.Scan(&g.UserAddress, &day, &outcome, &g.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scanning guess: %w", err)
		}
		g.Day = domain.Day(day)
		g.PredictedOutcome = domain.Outcome(outcome)
		guesses = append(guesses, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating guesses: %w", err)
	}
	return guesses, nil
}

// GetBalance returns a user's balance with per-day detail
func (r *Repository) GetBalance(ctx context.Context, address string) (*domain.PointsBalance, error) {
	return r.loadBalance(ctx, r.pool, address)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *Repository) loadBalance(ctx context.Context, q querier, address string) (*domain.PointsBalance, error) {
	balance := &domain.PointsBalance{
		UserAddress: address,
		Days:        make(map[domain.Day]domain.DayPoints),
	}
	err := q.QueryRow(ctx,
		`SELECT total_points, updated_at FROM points_balances WHERE user_address = $1`,
		address,
	).Scan(&balance.TotalPoints, &balance.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("getting balance: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT day, points, last_applied_version FROM points_days WHERE user_address = $1`,
		address,
	)
	if err != nil {
		return nil, fmt.Errorf("getting balance days: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			day int16
			dp  domain.DayPoints
		)
		if err := rows.Scan(&day, &dp.Points, &dp.LastAppliedVersion); err != nil {
			return nil, fmt.Errorf("scanning balance day: %w", err)
		}
		balance.Days[domain.Day(day)] = dp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating balance days: %w", err)
	}
	return balance, nil
}

// ApplyDelta replaces the user's contribution for day when version is newer.
// The balance row is locked for the duration of the transaction, so two runs
// touching the same user serialize and the loser sees the newer version.
func (r *Repository) ApplyDelta(ctx context.Context, address string, day domain.Day, version, points int64) (*domain.PointsBalance, error) {
	var balance *domain.PointsBalance
	now := time.Now()

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO points_balances (user_address, total_points, updated_at)
			VALUES ($1, 0, $2)
			ON CONFLICT (user_address) DO NOTHING
		`, address, now)
		if err != nil {
			return fmt.Errorf("creating balance: %w", err)
		}

		var total int64
		err = tx.QueryRow(ctx,
			`SELECT total_points FROM points_balances WHERE user_address = $1 FOR UPDATE`,
			address,
		).Scan(&total)
		if err != nil {
			return fmt.Errorf("locking balance: %w", err)
		}

		var prevPoints, prevVersion int64
		err = tx.QueryRow(ctx,
			`SELECT points, last_applied_version FROM points_days WHERE user_address = $1 AND day = $2`,
			address, int16(day),
		).Scan(&prevPoints, &prevVersion)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("reading day points: %w", err)
		}
		if prevVersion >= version {
			return domain.ErrConcurrentRunConflict
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO points_days (user_address, day, points, last_applied_version, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_address, day)
			DO UPDATE SET points = $3, last_applied_version = $4, updated_at = $5
		`, address, int16(day), points, version, now)
		if err != nil {
			return fmt.Errorf("writing day points: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE points_balances SET total_points = total_points + $2, updated_at = $3
			WHERE user_address = $1
		`, address, points-prevPoints, now)
		if err != nil {
			return fmt.Errorf("updating total: %w", err)
		}

		balance, err = r.loadBalance(ctx, tx, address)
		return err
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// AllBalances returns every user's total (for cache rebuilds)
func (r *Repository) AllBalances(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_address, total_points FROM points_balances`)
	if err != nil {
		return nil, fmt.Errorf("getting all balances: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var address string
		var total int64
		if err := rows.Scan(&address, &total); err != nil {
			return nil, fmt.Errorf("scanning balance: %w", err)
		}
		totals[address] = total
	}
	return totals, rows.Err()
}

// TopBalances returns the highest balances, used when no cache is configured
func (r *Repository) TopBalances(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	query := `
		SELECT user_address, total_points,
			   ROW_NUMBER() OVER (ORDER BY total_points DESC, user_address) AS rank
		FROM points_balances
		ORDER BY total_points DESC, user_address
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("getting top balances: %w", err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		var entry domain.LeaderboardEntry
		if err := rows.Scan(&entry.UserAddress, &entry.Points, &entry.Rank); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

const runColumns = `id, day, version, result, status, users_updated, already_current, started_at, applied_at`

func scanRun(row pgx.Row) (*domain.ScoringRun, error) {
	var (
		run    domain.ScoringRun
		day    int16
		result []string
		status string
	)
	err := row.Scan(&run.ID, &day, &run.Version, &result, &status,
		&run.UsersUpdated, &run.AlreadyCurrent, &run.StartedAt, &run.AppliedAt)
	if err != nil {
		return nil, err
	}
	run.Day = domain.Day(day)
	run.Result = domain.Outcome(result)
	run.Status = domain.RunStatus(status)
	return &run, nil
}

// Latest returns the highest-version run for day or domain.ErrNotFound
func (r *Repository) Latest(ctx context.Context, day domain.Day) (*domain.ScoringRun, error) {
	query := `SELECT ` + runColumns + ` FROM scoring_runs WHERE day = $1 ORDER BY version DESC LIMIT 1`
	run, err := scanRun(r.pool.QueryRow(ctx, query, int16(day)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("getting latest run: %w", err)
	}
	return run, nil
}

// Begin allocates the next version for day in the running state. A second
// running run for the same day trips the partial unique index.
func (r *Repository) Begin(ctx context.Context, day domain.Day, result domain.Outcome, staleAfter time.Duration) (*domain.ScoringRun, error) {
	now := time.Now()
	id := uuid.New()
	run := &domain.ScoringRun{
		ID:        id.String(),
		Day:       day,
		Result:    result,
		Status:    domain.RunStatusRunning,
		StartedAt: now,
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, dayLockClass, int32(day)); err != nil {
			return fmt.Errorf("locking day: %w", err)
		}

		if staleAfter > 0 {
			tag, err := tx.Exec(ctx, `
				UPDATE scoring_runs SET status = 'abandoned'
				WHERE day = $1 AND status = 'running' AND started_at < $2
			`, int16(day), now.Add(-staleAfter))
			if err != nil {
				return fmt.Errorf("abandoning stale runs: %w", err)
			}
			if tag.RowsAffected() > 0 {
				r.logger.Warn("abandoned stale scoring run", "day", day.String(), "count", tag.RowsAffected())
			}
		}

		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM scoring_runs WHERE day = $1`,
			int16(day),
		).Scan(&run.Version)
		if err != nil {
			return fmt.Errorf("allocating version: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO scoring_runs (id, day, version, result, status, started_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, id, int16(day), run.Version, []string(result), string(run.Status), now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: day %s has a run in progress", domain.ErrConcurrentRunConflict, day)
			}
			return fmt.Errorf("inserting run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Finish stores the final state of a run. A run that is no longer running,
// for example one abandoned as stale, is left untouched.
func (r *Repository) Finish(ctx context.Context, run *domain.ScoringRun) error {
	id, err := uuid.Parse(run.ID)
	if err != nil {
		return fmt.Errorf("parsing run id: %w", err)
	}
	query := `
		UPDATE scoring_runs
		SET status = $2, users_updated = $3, already_current = $4, applied_at = $5
		WHERE id = $1 AND status = 'running'
	`
	result, err := r.pool.Exec(ctx, query,
		id,
		string(run.Status),
		run.UsersUpdated,
		run.AlreadyCurrent,
		run.AppliedAt,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s is no longer running", domain.ErrConcurrentRunConflict, run.ID)
	}
	return nil
}

// ListRuns returns the runs for day, newest first
func (r *Repository) ListRuns(ctx context.Context, day domain.Day) ([]domain.ScoringRun, error) {
	query := `SELECT ` + runColumns + ` FROM scoring_runs WHERE day = $1 ORDER BY version DESC`
	rows, err := r.pool.Query(ctx, query, int16(day))
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.ScoringRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// RecordBet stores a raffle entry; one entry per (user, item)
func (r *Repository) RecordBet(ctx context.Context, bet domain.Bet) error {
	query := `
		INSERT INTO bets (user_address, item_code, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (item_code, user_address) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query, bet.UserAddress, bet.ItemCode, bet.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording bet: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrDuplicateBet
	}
	return nil
}

// BetCounts returns the number of entries per item code
func (r *Repository) BetCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT item_code, COUNT(*) FROM bets GROUP BY item_code`)
	if err != nil {
		return nil, fmt.Errorf("counting bets: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64, len(domain.ItemCodes))
	for _, code := range domain.ItemCodes {
		counts[code] = 0
	}
	for rows.Next() {
		var code string
		var count int64
		if err := rows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("scanning bet count: %w", err)
		}
		counts[code] = count
	}
	return counts, rows.Err()
}

// RecordMint stores a mint; one per address. A mint with an empty TxHash is
// a reservation taken before the transaction is sent.
func (r *Repository) RecordMint(ctx context.Context, mint domain.Mint) error {
	query := `
		INSERT INTO mints (user_address, category, tx_hash, minted_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.pool.Exec(ctx, query, mint.UserAddress, mint.Category, mint.TxHash, mint.MintedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyMinted
		}
		return fmt.Errorf("recording mint: %w", err)
	}
	return nil
}

// ConfirmMint attaches the transaction hash to a reserved mint
func (r *Repository) ConfirmMint(ctx context.Context, address, txHash string) error {
	result, err := r.pool.Exec(ctx, `UPDATE mints SET tx_hash = $2 WHERE user_address = $1`, address, txHash)
	if err != nil {
		return fmt.Errorf("confirming mint: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ReleaseMint drops a reservation that never reached the chain. Confirmed
// mints are kept.
func (r *Repository) ReleaseMint(ctx context.Context, address string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM mints WHERE user_address = $1 AND tx_hash = ''`, address)
	if err != nil {
		return fmt.Errorf("releasing mint: %w", err)
	}
	return nil
}

// GetMint returns the mint for an address or domain.ErrNotFound
func (r *Repository) GetMint(ctx context.Context, address string) (*domain.Mint, error) {
	query := `SELECT user_address, category, tx_hash, minted_at FROM mints WHERE user_address = $1`
	var m domain.Mint
	err := r.pool.QueryRow(ctx, query, address).Scan(&m.UserAddress, &m.Category, &m.TxHash, &m.MintedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("getting mint: %w", err)
	}
	return &m, nil
}

// MintCounts returns the number of recorded mints per category
func (r *Repository) MintCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT category, COUNT(*) FROM mints GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("counting mints: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var category string
		var count int64
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("scanning mint count: %w", err)
		}
		counts[category] = count
	}
	return counts, rows.Err()
}
