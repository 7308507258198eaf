package scoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/koyon-nft/internal/domain"
	"golang.org/x/sync/errgroup"
)

// GuessStore is the read side of stored guesses the engine needs
type GuessStore interface {
	// GuessesFor returns up to limit guesses for day with an address
	// strictly greater than after, ordered by address.
	GuessesFor(ctx context.Context, day domain.Day, after string, limit int) ([]domain.Guess, error)
}

// PointsLedger is the only mutation entry point for balances
type PointsLedger interface {
	// ApplyDelta replaces the user's contribution for day with points, provided
	// the recorded version for that day is lower than version. Otherwise it
	// returns domain.ErrConcurrentRunConflict.
	ApplyDelta(ctx context.Context, address string, day domain.Day, version, points int64) (*domain.PointsBalance, error)
}

// RunStore persists scoring runs and allocates versions
type RunStore interface {
	Latest(ctx context.Context, day domain.Day) (*domain.ScoringRun, error)
	Begin(ctx context.Context, day domain.Day, result domain.Outcome, staleAfter time.Duration) (*domain.ScoringRun, error)
	Finish(ctx context.Context, run *domain.ScoringRun) error
}

// Observer receives the outcome of every run
type Observer interface {
	ObserveRun(day domain.Day, status domain.RunStatus, usersUpdated, alreadyCurrent int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveRun(domain.Day, domain.RunStatus, int, int, time.Duration) {}

// Option configures an Engine
type Option func(*Engine)

// WithConcurrency bounds the number of parallel ledger writes
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithPageSize sets how many guesses are read per page
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithStaleRunAfter sets when a running run is considered abandoned
func WithStaleRunAfter(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.staleAfter = d
		}
	}
}

// WithObserver attaches a run observer, typically the metrics manager
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithLogger sets the engine logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine grades a day's guesses and commits the points
type Engine struct {
	guesses  GuessStore
	ledger   PointsLedger
	runs     RunStore
	rules    *Rules
	observer Observer
	logger   *slog.Logger

	concurrency int
	pageSize    int
	staleAfter  time.Duration
	now         func() time.Time

	mu     sync.Mutex
	active map[domain.Day]bool
}

// NewEngine creates a scoring engine
func NewEngine(guesses GuessStore, ledger PointsLedger, runs RunStore, rules *Rules, opts ...Option) *Engine {
	e := &Engine{
		guesses:     guesses,
		ledger:      ledger,
		runs:        runs,
		rules:       rules,
		observer:    nopObserver{},
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		concurrency: 8,
		pageSize:    500,
		staleAfter:  15 * time.Minute,
		now:         time.Now,
		active:      make(map[domain.Day]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "scoring_engine"))
	return e
}

// Rules returns the grading rules the engine uses
func (e *Engine) Rules() *Rules {
	return e.rules
}

// ScoreDay grades every guess for day against result.
//
// Calling it again with the result of the latest completed run is a no-op
// reporting AlreadyScored. A different result allocates a new version whose
// per-user contributions replace the previous ones.
func (e *Engine) ScoreDay(ctx context.Context, day domain.Day, result domain.Outcome) (*domain.RunSummary, error) {
	if !day.Valid() {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownDay, int(day))
	}
	result = domain.NormalizeOutcome(result)
	if err := e.rules.Validate(day, result); err != nil {
		return nil, err
	}

	if !e.acquire(day) {
		return nil, fmt.Errorf("%w: day %s is already being scored", domain.ErrConcurrentRunConflict, day)
	}
	defer e.release(day)

	latest, err := e.runs.Latest(ctx, day)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("loading latest run: %w", err)
	}
	if latest != nil && latest.Status == domain.RunStatusCompleted && latest.Result.Equal(result) {
		e.logger.Info("day already scored with this result",
			"day", day.String(),
			"version", latest.Version,
		)
		return &domain.RunSummary{
			RunID:         latest.ID,
			Day:           day,
			RunVersion:    latest.Version,
			AlreadyScored: true,
		}, nil
	}

	run, err := e.runs.Begin(ctx, day, result, e.staleAfter)
	if err != nil {
		return nil, fmt.Errorf("beginning run: %w", err)
	}

	start := e.now()
	e.logger.Info("scoring run started",
		"day", day.String(),
		"version", run.Version,
		"result", result.String(),
	)

	tally, applyErr := e.apply(ctx, run)
	run.UsersUpdated = tally.updated
	run.AlreadyCurrent = tally.current

	if applyErr != nil {
		run.Status = domain.RunStatusFailed
		if err := e.runs.Finish(context.WithoutCancel(ctx), run); err != nil {
			e.logger.Error("failed to record failed run", "version", run.Version, "error", err)
		}
		e.observer.ObserveRun(day, run.Status, tally.updated, tally.current, e.now().Sub(start))
		e.logger.Error("scoring run failed",
			"day", day.String(),
			"version", run.Version,
			"users_updated", tally.updated,
			"error", applyErr,
		)
		return nil, fmt.Errorf("scoring day %s version %d: %w", day, run.Version, applyErr)
	}

	applied := e.now()
	run.Status = domain.RunStatusCompleted
	run.AppliedAt = &applied
	if err := e.runs.Finish(ctx, run); err != nil {
		return nil, fmt.Errorf("completing run: %w", err)
	}

	elapsed := applied.Sub(start)
	e.observer.ObserveRun(day, run.Status, tally.updated, tally.current, elapsed)
	e.logger.Info("scoring run completed",
		"day", day.String(),
		"version", run.Version,
		"users_updated", tally.updated,
		"already_current", tally.current,
		"duration", elapsed,
	)

	return &domain.RunSummary{
		RunID:          run.ID,
		Day:            day,
		RunVersion:     run.Version,
		UsersUpdated:   tally.updated,
		AlreadyCurrent: tally.current,
		Balances:       tally.balances,
	}, nil
}

type runTally struct {
	mu       sync.Mutex
	updated  int
	current  int
	balances []domain.PointsBalance
}

// apply pages through the day's guesses and commits each user's points
func (e *Engine) apply(ctx context.Context, run *domain.ScoringRun) (*runTally, error) {
	tally := &runTally{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	var listErr error
	after := ""
	for {
		page, err := e.guesses.GuessesFor(gctx, run.Day, after, e.pageSize)
		if err != nil {
			listErr = fmt.Errorf("listing guesses: %w", err)
			break
		}
		for _, guess := range page {
			if err := e.rules.Validate(run.Day, guess.PredictedOutcome); err != nil {
				listErr = fmt.Errorf("guess from %s: %w", guess.UserAddress, err)
				break
			}
			guess := guess
			points := e.rules.Points(run.Day, guess.PredictedOutcome, run.Result)
			g.Go(func() error {
				return e.commit(gctx, run, guess.UserAddress, points, tally)
			})
		}
		if listErr != nil || len(page) < e.pageSize {
			break
		}
		after = page[len(page)-1].UserAddress
	}

	if err := g.Wait(); err != nil {
		return tally, err
	}
	return tally, listErr
}

func (e *Engine) commit(ctx context.Context, run *domain.ScoringRun, address string, points int64, tally *runTally) error {
	balance, err := e.ledger.ApplyDelta(ctx, address, run.Day, run.Version, points)
	if errors.Is(err, domain.ErrConcurrentRunConflict) {
		e.logger.Debug("user already current",
			"user_address", address,
			"day", run.Day.String(),
			"version", run.Version,
		)
		tally.mu.Lock()
		tally.current++
		tally.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("applying points for %s: %w", address, err)
	}

	tally.mu.Lock()
	tally.updated++
	tally.balances = append(tally.balances, *balance)
	tally.mu.Unlock()
	return nil
}

func (e *Engine) acquire(day domain.Day) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[day] {
		return false
	}
	e.active[day] = true
	return true
}

func (e *Engine) release(day domain.Day) {
	e.mu.Lock()
	delete(e.active, day)
	e.mu.Unlock()
}
