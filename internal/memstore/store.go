// Package memstore keeps guesses, scoring runs, balances, bets and mints in
// process memory. It backs the "memory" storage driver and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koyon-nft/internal/domain"
)

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is a mutex-guarded in-memory implementation of every repository
type Store struct {
	mu       sync.RWMutex
	guesses  map[domain.Day]map[string]domain.Guess
	balances map[string]*domain.PointsBalance
	runs     map[domain.Day][]*domain.ScoringRun
	bets     map[string]map[string]domain.Bet
	mints    map[string]domain.Mint
	now      func() time.Time
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		guesses:  make(map[domain.Day]map[string]domain.Guess),
		balances: make(map[string]*domain.PointsBalance),
		runs:     make(map[domain.Day][]*domain.ScoringRun),
		bets:     make(map[string]map[string]domain.Bet),
		mints:    make(map[string]domain.Mint),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordGuess stores a guess; a second guess for the same day is rejected,
// as is any guess once a scoring run for the day has begun
func (s *Store) RecordGuess(_ context.Context, guess domain.Guess) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.runs[guess.Day]) > 0 {
		return fmt.Errorf("%w: day %s", domain.ErrGuessingClosed, guess.Day)
	}
	byUser, ok := s.guesses[guess.Day]
	if !ok {
		byUser = make(map[string]domain.Guess)
		s.guesses[guess.Day] = byUser
	}
	if _, exists := byUser[guess.UserAddress]; exists {
		return domain.ErrDuplicateGuess
	}
	guess.PredictedOutcome = append(domain.Outcome(nil), guess.PredictedOutcome...)
	byUser[guess.UserAddress] = guess
	return nil
}

// GuessesFor returns a keyset page of guesses ordered by address
func (s *Store) GuessesFor(_ context.Context, day domain.Day, after string, limit int) ([]domain.Guess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byUser := s.guesses[day]
	addresses := make([]string, 0, len(byUser))
	for address := range byUser {
		if address > after {
			addresses = append(addresses, address)
		}
	}
	sort.Strings(addresses)
	if limit > 0 && len(addresses) > limit {
		addresses = addresses[:limit]
	}

	page := make([]domain.Guess, 0, len(addresses))
	for _, address := range addresses {
		page = append(page, byUser[address])
	}
	return page, nil
}

// GuessesByUser returns every guess an address has submitted
func (s *Store) GuessesByUser(_ context.Context, address string) ([]domain.Guess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Guess
	for _, day := range domain.Days() {
		if g, ok := s.guesses[day][address]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

// GetBalance returns a user's balance or domain.ErrNotFound
func (s *Store) GetBalance(_ context.Context, address string) (*domain.PointsBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[address]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyBalance(b), nil
}

// ApplyDelta replaces the user's contribution for day when version is newer
func (s *Store) ApplyDelta(_ context.Context, address string, day domain.Day, version, points int64) (*domain.PointsBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[address]
	if !ok {
		b = &domain.PointsBalance{
			UserAddress: address,
			Days:        make(map[domain.Day]domain.DayPoints),
		}
		s.balances[address] = b
	}

	prev := b.Days[day]
	if prev.LastAppliedVersion >= version {
		return nil, domain.ErrConcurrentRunConflict
	}

	b.TotalPoints += points - prev.Points
	b.Days[day] = domain.DayPoints{Points: points, LastAppliedVersion: version}
	b.UpdatedAt = s.now()
	return copyBalance(b), nil
}

// AllBalances returns every user's total
func (s *Store) AllBalances(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64, len(s.balances))
	for address, b := range s.balances {
		out[address] = b.TotalPoints
	}
	return out, nil
}

// TopBalances returns the highest totals, ties broken by address
func (s *Store) TopBalances(_ context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.LeaderboardEntry, 0, len(s.balances))
	for address, b := range s.balances {
		entries = append(entries, domain.LeaderboardEntry{UserAddress: address, Points: b.TotalPoints})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Points != entries[j].Points {
			return entries[i].Points > entries[j].Points
		}
		return entries[i].UserAddress < entries[j].UserAddress
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = int64(i + 1)
	}
	return entries, nil
}

// Latest returns the highest-version run for day or domain.ErrNotFound
func (s *Store) Latest(_ context.Context, day domain.Day) (*domain.ScoringRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.runs[day]
	if len(runs) == 0 {
		return nil, domain.ErrNotFound
	}
	return copyRun(runs[len(runs)-1]), nil
}

// Begin allocates the next version for day in the running state
func (s *Store) Begin(_ context.Context, day domain.Day, result domain.Outcome, staleAfter time.Duration) (*domain.ScoringRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var version int64
	for _, r := range s.runs[day] {
		if r.Status == domain.RunStatusRunning {
			if staleAfter > 0 && now.Sub(r.StartedAt) > staleAfter {
				r.Status = domain.RunStatusAbandoned
			} else {
				return nil, fmt.Errorf("%w: version %d is still running", domain.ErrConcurrentRunConflict, r.Version)
			}
		}
		if r.Version > version {
			version = r.Version
		}
	}

	run := &domain.ScoringRun{
		ID:        uuid.New().String(),
		Day:       day,
		Version:   version + 1,
		Result:    append(domain.Outcome(nil), result...),
		Status:    domain.RunStatusRunning,
		StartedAt: now,
	}
	s.runs[day] = append(s.runs[day], run)
	return copyRun(run), nil
}

// Finish stores the final state of a run. Only a run still in the running
// state can be finished.
func (s *Store) Finish(_ context.Context, run *domain.ScoringRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.runs[run.Day] {
		if r.ID == run.ID {
			if r.Status != domain.RunStatusRunning {
				return fmt.Errorf("%w: version %d is %s", domain.ErrConcurrentRunConflict, r.Version, r.Status)
			}
			s.runs[run.Day][i] = copyRun(run)
			return nil
		}
	}
	return domain.ErrNotFound
}

// ListRuns returns the runs for day, newest first
func (s *Store) ListRuns(_ context.Context, day domain.Day) ([]domain.ScoringRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.runs[day]
	out := make([]domain.ScoringRun, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, *copyRun(runs[i]))
	}
	return out, nil
}

// RecordBet stores a raffle entry; one entry per (user, item)
func (s *Store) RecordBet(_ context.Context, bet domain.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser, ok := s.bets[bet.ItemCode]
	if !ok {
		byUser = make(map[string]domain.Bet)
		s.bets[bet.ItemCode] = byUser
	}
	if _, exists := byUser[bet.UserAddress]; exists {
		return domain.ErrDuplicateBet
	}
	byUser[bet.UserAddress] = bet
	return nil
}

// BetCounts returns the number of entries per item code
func (s *Store) BetCounts(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64, len(domain.ItemCodes))
	for _, code := range domain.ItemCodes {
		out[code] = int64(len(s.bets[code]))
	}
	return out, nil
}

// RecordMint stores a mint; one per address. A mint with an empty TxHash is
// a reservation taken before the transaction is sent.
func (s *Store) RecordMint(_ context.Context, mint domain.Mint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.mints[mint.UserAddress]; exists {
		return domain.ErrAlreadyMinted
	}
	s.mints[mint.UserAddress] = mint
	return nil
}

// ConfirmMint attaches the transaction hash to a reserved mint
func (s *Store) ConfirmMint(_ context.Context, address, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mints[address]
	if !ok {
		return domain.ErrNotFound
	}
	m.TxHash = txHash
	s.mints[address] = m
	return nil
}

// ReleaseMint drops a reservation that never reached the chain. Confirmed
// mints are kept.
func (s *Store) ReleaseMint(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.mints[address]; ok && m.TxHash == "" {
		delete(s.mints, address)
	}
	return nil
}

// GetMint returns the mint for an address or domain.ErrNotFound
func (s *Store) GetMint(_ context.Context, address string) (*domain.Mint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mints[address]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &m, nil
}

// MintCounts returns the number of recorded mints per category
func (s *Store) MintCounts(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64)
	for _, m := range s.mints {
		out[m.Category]++
	}
	return out, nil
}

func copyBalance(b *domain.PointsBalance) *domain.PointsBalance {
	out := *b
	out.Days = make(map[domain.Day]domain.DayPoints, len(b.Days))
	for day, dp := range b.Days {
		out.Days[day] = dp
	}
	return &out
}

func copyRun(r *domain.ScoringRun) *domain.ScoringRun {
	out := *r
	out.Result = append(domain.Outcome(nil), r.Result...)
	if r.AppliedAt != nil {
		at := *r.AppliedAt
		out.AppliedAt = &at
	}
	return &out
}
