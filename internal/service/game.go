package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/koyon-nft/internal/chain"
	"github.com/koyon-nft/internal/config"
	"github.com/koyon-nft/internal/domain"
	"github.com/koyon-nft/internal/scoring"
)

// Store is the durable state the game service reads and writes.
// Both the postgres repository and memstore satisfy it.
type Store interface {
	RecordGuess(ctx context.Context, guess domain.Guess) error
	GuessesByUser(ctx context.Context, address string) ([]domain.Guess, error)
	GetBalance(ctx context.Context, address string) (*domain.PointsBalance, error)
	AllBalances(ctx context.Context) (map[string]int64, error)
	TopBalances(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
	ListRuns(ctx context.Context, day domain.Day) ([]domain.ScoringRun, error)
	RecordBet(ctx context.Context, bet domain.Bet) error
	BetCounts(ctx context.Context) (map[string]int64, error)
	RecordMint(ctx context.Context, mint domain.Mint) error
	ConfirmMint(ctx context.Context, address, txHash string) error
	ReleaseMint(ctx context.Context, address string) error
	GetMint(ctx context.Context, address string) (*domain.Mint, error)
	MintCounts(ctx context.Context) (map[string]int64, error)
}

// Scorer grades a day's guesses
type Scorer interface {
	ScoreDay(ctx context.Context, day domain.Day, result domain.Outcome) (*domain.RunSummary, error)
	Rules() *scoring.Rules
}

// Cache is the fast read path for ranks, bet counts and mint status
type Cache interface {
	SetPoints(ctx context.Context, totals map[string]int64) error
	TopPoints(ctx context.Context, n int) ([]domain.LeaderboardEntry, error)
	Rank(ctx context.Context, address string) (int64, error)
	IncrBet(ctx context.Context, itemCode string) error
	BetCounts(ctx context.Context) (map[string]int64, error)
	SetBetCounts(ctx context.Context, counts map[string]int64) error
	MarkMinted(ctx context.Context, address string) error
	IsMinted(ctx context.Context, address string) (bool, error)
}

// Broadcaster pushes realtime updates to connected clients
type Broadcaster interface {
	BroadcastRunCompleted(summary *domain.RunSummary, result domain.Outcome, top []domain.LeaderboardEntry)
	BroadcastBetCounts(counts map[string]int64)
}

// RunPublisher announces completed runs to downstream consumers
type RunPublisher interface {
	PublishRunCompleted(summary *domain.RunSummary, result domain.Outcome) error
}

// Recorder counts accepted submissions
type Recorder interface {
	RecordGuess(day domain.Day)
	RecordBet(itemCode string)
	RecordMint(category string)
}

// Option configures optional GameService collaborators
type Option func(*GameService)

// WithCache enables the Redis read path
func WithCache(c Cache) Option {
	return func(s *GameService) { s.cache = c }
}

// WithBroadcaster enables WebSocket pushes
func WithBroadcaster(b Broadcaster) Option {
	return func(s *GameService) { s.hub = b }
}

// WithPublisher enables run completion events
func WithPublisher(p RunPublisher) Option {
	return func(s *GameService) { s.publisher = p }
}

// WithRecorder enables submission metrics
func WithRecorder(r Recorder) Option {
	return func(s *GameService) { s.recorder = r }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *GameService) {
		if now != nil {
			s.now = now
		}
	}
}

// GameService provides business logic behind the HTTP surface
type GameService struct {
	store     Store
	scorer    Scorer
	minter    chain.Client
	chainCfg  *config.ChainConfig
	lbCfg     *config.LeaderboardConfig
	cache     Cache
	hub       Broadcaster
	publisher RunPublisher
	recorder  Recorder
	now       func() time.Time
	logger    *slog.Logger
}

// NewGameService creates a new game service
func NewGameService(
	store Store,
	scorer Scorer,
	minter chain.Client,
	cfg *config.Config,
	logger *slog.Logger,
	opts ...Option,
) *GameService {
	s := &GameService{
		store:    store,
		scorer:   scorer,
		minter:   minter,
		chainCfg: &cfg.Chain,
		lbCfg:    &cfg.Leaderboard,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "game_service")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *GameService) validCategory(category string) bool {
	_, ok := s.chainCfg.Contracts[category]
	return ok
}

// Mint issues the caller's NFT; each address may mint once
func (s *GameService) Mint(ctx context.Context, address, category string) (*domain.Mint, error) {
	address, err := domain.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	category = strings.ToLower(strings.TrimSpace(category))
	if !s.validCategory(category) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidCategory, category)
	}

	// The reservation holds the address's unique key across the chain call
	mint := domain.Mint{
		UserAddress: address,
		Category:    category,
		MintedAt:    s.now().UTC(),
	}
	if err := s.store.RecordMint(ctx, mint); err != nil {
		if errors.Is(err, domain.ErrAlreadyMinted) {
			return nil, err
		}
		return nil, fmt.Errorf("reserving mint: %w", err)
	}

	held, err := s.heldOnChain(ctx, address)
	if err != nil {
		s.releaseMint(ctx, address)
		return nil, fmt.Errorf("checking on-chain balance: %w", err)
	}
	if held {
		s.logger.Warn("address already holds a token, keeping reservation", "user_address", address)
		return nil, domain.ErrAlreadyMinted
	}

	txHash, err := s.minter.Mint(ctx, address, category)
	if err != nil {
		s.releaseMint(ctx, address)
		return nil, fmt.Errorf("minting: %w", err)
	}

	mint.TxHash = txHash
	if err := s.store.ConfirmMint(context.WithoutCancel(ctx), address, txHash); err != nil {
		s.logger.Error("failed to record mint transaction",
			"user_address", address,
			"tx_hash", txHash,
			"error", err,
		)
	}

	if s.cache != nil {
		if err := s.cache.MarkMinted(ctx, address); err != nil {
			s.logger.Warn("failed to cache mint", "user_address", address, "error", err)
		}
	}
	if s.recorder != nil {
		s.recorder.RecordMint(category)
	}

	s.logger.Info("nft minted",
		"user_address", address,
		"category", category,
		"tx_hash", txHash,
	)
	return &mint, nil
}

func (s *GameService) releaseMint(ctx context.Context, address string) {
	if err := s.store.ReleaseMint(context.WithoutCancel(ctx), address); err != nil {
		s.logger.Error("failed to release mint reservation", "user_address", address, "error", err)
	}
}

// heldOnChain reports whether address owns a token in any category contract
func (s *GameService) heldOnChain(ctx context.Context, address string) (bool, error) {
	for _, category := range sortedKeys(s.chainCfg.Contracts) {
		n, err := s.minter.BalanceOf(ctx, address, category)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// MintCounts returns the number of NFTs minted per category.
// On-chain totalSupply is preferred; recorded mints are the fallback.
func (s *GameService) MintCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(s.chainCfg.Contracts))
	var recorded map[string]int64

	for _, category := range sortedKeys(s.chainCfg.Contracts) {
		n, err := s.minter.MintCount(ctx, category)
		if err == nil {
			counts[category] = n
			continue
		}
		if !errors.Is(err, domain.ErrChainUnavailable) {
			return nil, fmt.Errorf("reading mint count for %s: %w", category, err)
		}
		s.logger.Warn("chain unavailable, using recorded mint count", "category", category, "error", err)
		if recorded == nil {
			if recorded, err = s.store.MintCounts(ctx); err != nil {
				return nil, fmt.Errorf("reading recorded mint counts: %w", err)
			}
		}
		counts[category] = recorded[category]
	}
	return counts, nil
}

// IsMinted reports whether an address has minted, checking the cache, the
// store and finally the contracts
func (s *GameService) IsMinted(ctx context.Context, address string) (bool, error) {
	address, err := domain.NormalizeAddress(address)
	if err != nil {
		return false, err
	}

	if s.cache != nil {
		minted, err := s.cache.IsMinted(ctx, address)
		if err == nil && minted {
			return true, nil
		}
		if err != nil {
			s.logger.Warn("mint cache lookup failed", "error", err)
		}
	}

	_, err = s.store.GetMint(ctx, address)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, domain.ErrNotFound):
		return false, fmt.Errorf("looking up mint: %w", err)
	}

	// A mint whose transaction was sent but never recorded still shows on chain
	held, err := s.heldOnChain(ctx, address)
	if err != nil {
		s.logger.Warn("on-chain balance lookup failed", "error", err)
		return false, nil
	}
	return held, nil
}

// MyMetadata builds the ERC-721 metadata for the caller's NFT
func (s *GameService) MyMetadata(ctx context.Context, address string) (*domain.NFTMetadata, error) {
	address, err := domain.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	mint, err := s.store.GetMint(ctx, address)
	if err != nil {
		return nil, err
	}

	var points int64
	balance, err := s.store.GetBalance(ctx, address)
	switch {
	case err == nil:
		points = balance.TotalPoints
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("loading balance: %w", err)
	}

	image := mint.Category + ".png"
	if base := strings.TrimSuffix(s.chainCfg.MetadataBaseURI, "/"); base != "" {
		image = base + "/" + image
	}

	return &domain.NFTMetadata{
		Name:        fmt.Sprintf("KOYON %s", strings.ToUpper(mint.Category)),
		Description: "Festival supporter NFT. Points grow with correct predictions.",
		Image:       image,
		Attributes: []domain.NFTAttribute{
			{TraitType: "school", Value: mint.Category},
			{TraitType: "points", Value: points},
			{TraitType: "minted_at", Value: mint.MintedAt.Unix()},
		},
	}, nil
}

// RecordGuess stores a user's prediction for a day. The store closes a day
// to new guesses as soon as its first scoring run begins.
func (s *GameService) RecordGuess(ctx context.Context, sub domain.GuessSubmission) error {
	address, err := domain.NormalizeAddress(sub.Address)
	if err != nil {
		return err
	}
	if !sub.Day.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrUnknownDay, int(sub.Day))
	}
	outcome := domain.NormalizeOutcome(sub.PredictedOutcome)
	if err := s.scorer.Rules().Validate(sub.Day, outcome); err != nil {
		return err
	}

	guess := domain.Guess{
		UserAddress:      address,
		Day:              sub.Day,
		PredictedOutcome: outcome,
		SubmittedAt:      s.now().UTC(),
	}
	if err := s.store.RecordGuess(ctx, guess); err != nil {
		return err
	}

	if s.recorder != nil {
		s.recorder.RecordGuess(sub.Day)
	}
	s.logger.Debug("guess recorded",
		"user_address", address,
		"day", sub.Day.String(),
		"outcome", outcome.String(),
	)
	return nil
}

// RecordBet stores a raffle entry and pushes the new counts
func (s *GameService) RecordBet(ctx context.Context, sub domain.BetSubmission) error {
	address, err := domain.NormalizeAddress(sub.Address)
	if err != nil {
		return err
	}
	itemCode := strings.TrimSpace(sub.ItemCode)
	if !domain.ValidItemCode(itemCode) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidItemCode, sub.ItemCode)
	}

	bet := domain.Bet{
		UserAddress: address,
		ItemCode:    itemCode,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.RecordBet(ctx, bet); err != nil {
		return err
	}

	if s.cache != nil {
		err := s.cache.IncrBet(ctx, itemCode)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if counts, err := s.store.BetCounts(ctx); err == nil {
				s.seedBetCounts(ctx, counts)
			} else {
				s.logger.Warn("failed to reload bet counts", "error", err)
			}
		case err != nil:
			s.logger.Warn("failed to update cached bet count", "item_code", itemCode, "error", err)
		}
	}
	if s.recorder != nil {
		s.recorder.RecordBet(itemCode)
	}
	if s.hub != nil {
		if counts, err := s.BetCounts(ctx); err == nil {
			s.hub.BroadcastBetCounts(counts)
		}
	}
	return nil
}

// BetCounts returns the number of entries per item code
func (s *GameService) BetCounts(ctx context.Context) (map[string]int64, error) {
	var miss bool
	if s.cache != nil {
		counts, err := s.cache.BetCounts(ctx)
		if err == nil {
			return counts, nil
		}
		miss = errors.Is(err, domain.ErrNotFound)
		if !miss {
			s.logger.Warn("bet count cache lookup failed", "error", err)
		}
	}

	counts, err := s.store.BetCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting bets: %w", err)
	}
	if miss {
		s.seedBetCounts(ctx, counts)
	}
	return counts, nil
}

// seedBetCounts writes the authoritative counts into an empty cache
func (s *GameService) seedBetCounts(ctx context.Context, counts map[string]int64) {
	if err := s.cache.SetBetCounts(ctx, counts); err != nil {
		s.logger.Warn("failed to seed bet count cache", "error", err)
	}
}

// MyPoints returns a user's balance, per-day detail, guesses and rank.
// A user with neither a balance nor a guess is domain.ErrNotFound.
func (s *GameService) MyPoints(ctx context.Context, address string) (*domain.PlayerPoints, error) {
	address, err := domain.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	guesses, err := s.store.GuessesByUser(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("loading guesses: %w", err)
	}

	balance, err := s.store.GetBalance(ctx, address)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) || len(guesses) == 0 {
			return nil, err
		}
		return &domain.PlayerPoints{
			UserAddress: address,
			Days:        map[domain.Day]domain.DayPoints{},
			Guesses:     guesses,
		}, nil
	}

	points := &domain.PlayerPoints{
		UserAddress: address,
		TotalPoints: balance.TotalPoints,
		Days:        balance.Days,
		Guesses:     guesses,
	}
	rank, err := s.rank(ctx, address, balance.TotalPoints)
	if err != nil {
		s.logger.Warn("failed to compute rank", "user_address", address, "error", err)
	} else {
		points.Rank = rank
	}
	return points, nil
}

// rank prefers the Redis board and falls back to counting higher balances
func (s *GameService) rank(ctx context.Context, address string, total int64) (int64, error) {
	if s.cache != nil {
		rank, err := s.cache.Rank(ctx, address)
		if err == nil {
			return rank, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("rank cache lookup failed", "error", err)
		}
	}

	totals, err := s.store.AllBalances(ctx)
	if err != nil {
		return 0, err
	}
	var rank int64 = 1
	for other, t := range totals {
		if t > total || (t == total && other < address) {
			rank++
		}
	}
	return rank, nil
}

// ScoreDay grades a day and fans the outcome out to the cache, hub and topic
func (s *GameService) ScoreDay(ctx context.Context, day domain.Day, result domain.Outcome) (*domain.RunSummary, error) {
	result = domain.NormalizeOutcome(result)
	summary, err := s.scorer.ScoreDay(ctx, day, result)
	if err != nil {
		return nil, err
	}
	if summary.AlreadyScored {
		return summary, nil
	}

	if s.cache != nil && len(summary.Balances) > 0 {
		totals := make(map[string]int64, len(summary.Balances))
		for _, b := range summary.Balances {
			totals[b.UserAddress] = b.TotalPoints
		}
		if err := s.cache.SetPoints(ctx, totals); err != nil {
			s.logger.Warn("failed to refresh points board", "error", err)
		}
	}

	if s.hub != nil {
		top, err := s.TopPlayers(ctx, 10)
		if err != nil {
			s.logger.Warn("failed to load top players for broadcast", "error", err)
		}
		s.hub.BroadcastRunCompleted(summary, result, top)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishRunCompleted(summary, result); err != nil {
			s.logger.Error("failed to publish run event",
				"day", day.String(),
				"version", summary.RunVersion,
				"error", err,
			)
		}
	}
	return summary, nil
}

// Runs returns a day's scoring history, newest first
func (s *GameService) Runs(ctx context.Context, day domain.Day) ([]domain.ScoringRun, error) {
	if !day.Valid() {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownDay, int(day))
	}
	return s.store.ListRuns(ctx, day)
}

// TopPlayers returns the highest balances
func (s *GameService) TopPlayers(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	if n <= 0 {
		n = s.lbCfg.DefaultLimit
	}
	if n > s.lbCfg.MaxLimit {
		n = s.lbCfg.MaxLimit
	}

	if s.cache != nil {
		entries, err := s.cache.TopPoints(ctx, n)
		if err == nil && len(entries) > 0 {
			return entries, nil
		}
		if err != nil {
			s.logger.Warn("points board lookup failed", "error", err)
		}
	}

	entries, err := s.store.TopBalances(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("loading top balances: %w", err)
	}
	return entries, nil
}

// SubmitBatch records submissions consumed from Kafka. Rejections are logged
// and counted; they never stop the batch.
func (s *GameService) SubmitBatch(ctx context.Context, batch []domain.Submission) domain.SubmissionResult {
	var result domain.SubmissionResult
	for _, sub := range batch {
		var err error
		switch sub.Type {
		case domain.SubmissionGuess:
			err = s.RecordGuess(ctx, domain.GuessSubmission{
				Address:          sub.Address,
				Day:              sub.Day,
				PredictedOutcome: sub.PredictedOutcome,
			})
		case domain.SubmissionBet:
			err = s.RecordBet(ctx, domain.BetSubmission{
				Address:  sub.Address,
				ItemCode: sub.ItemCode,
			})
		default:
			err = fmt.Errorf("%w: submission type %q", domain.ErrInvalidRequest, sub.Type)
		}

		if err == nil {
			result.Accepted++
			continue
		}
		result.Rejected++
		if domain.IsConflictError(err) {
			s.logger.Debug("submission rejected", "type", sub.Type, "address", sub.Address, "error", err)
		} else {
			s.logger.Warn("submission rejected", "type", sub.Type, "address", sub.Address, "error", err)
		}
	}
	return result
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
