package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/koyon-nft/internal/domain"
)

// DryRun records mints in memory and returns synthetic transaction hashes.
// It stands in for the contracts when chain access is disabled.
type DryRun struct {
	mu         sync.Mutex
	categories map[string]struct{}
	holders    map[string]map[string]int64
	logger     *slog.Logger
}

// NewDryRun creates a dry-run client accepting the given categories
func NewDryRun(categories []string, logger *slog.Logger) *DryRun {
	set := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}
	return &DryRun{
		categories: set,
		holders:    make(map[string]map[string]int64),
		logger:     logger,
	}
}

func (d *DryRun) check(category string) error {
	if _, ok := d.categories[category]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrInvalidCategory, category)
	}
	return nil
}

// Mint pretends to mint and returns keccak256(address, category, nonce)
func (d *DryRun) Mint(_ context.Context, address, category string) (string, error) {
	if err := d.check(category); err != nil {
		return "", err
	}

	d.mu.Lock()
	byAddr, ok := d.holders[category]
	if !ok {
		byAddr = make(map[string]int64)
		d.holders[category] = byAddr
	}
	byAddr[address]++
	d.mu.Unlock()

	nonce := uuid.New()
	hash := crypto.Keccak256Hash(common.HexToAddress(address).Bytes(), []byte(category), nonce[:])
	d.logger.Debug("dry-run mint",
		"user_address", address,
		"category", category,
		"tx_hash", hash.Hex(),
	)
	return hash.Hex(), nil
}

// MintCount returns the number of dry-run mints for category
func (d *DryRun) MintCount(_ context.Context, category string) (int64, error) {
	if err := d.check(category); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var total int64
	for _, n := range d.holders[category] {
		total += n
	}
	return total, nil
}

// BalanceOf returns the dry-run holdings of address
func (d *DryRun) BalanceOf(_ context.Context, address, category string) (int64, error) {
	if err := d.check(category); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.holders[category][address], nil
}
