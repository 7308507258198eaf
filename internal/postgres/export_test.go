package postgres

import "context"

// Truncate empties every table so run-dependent tests start from a clean day
func (r *Repository) Truncate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `TRUNCATE guesses, scoring_runs, points_days, points_balances, bets, mints`)
	return err
}
