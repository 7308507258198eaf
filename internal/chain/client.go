// Package chain talks to the per-category NFT contracts.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/koyon-nft/internal/config"
	"github.com/koyon-nft/internal/domain"
)

// ERC-721 selectors used by the game contracts
var (
	selectorMint        = common.FromHex("6a627842") // mint(address)
	selectorTotalSupply = common.FromHex("18160ddd") // totalSupply()
	selectorBalanceOf   = common.FromHex("70a08231") // balanceOf(address)
)

// Client mints NFTs and reads contract state
type Client interface {
	// Mint sends a mint(address) transaction and returns its hash
	Mint(ctx context.Context, address, category string) (string, error)
	// MintCount returns the contract's totalSupply
	MintCount(ctx context.Context, category string) (int64, error)
	// BalanceOf returns how many tokens of category an address holds
	BalanceOf(ctx context.Context, address, category string) (int64, error)
}

// EthClient is a Client backed by an Ethereum JSON-RPC endpoint
type EthClient struct {
	client    *ethclient.Client
	key       *ecdsa.PrivateKey
	from      common.Address
	chainID   *big.Int
	gasLimit  uint64
	contracts map[string]common.Address
	timeout   time.Duration
	logger    *slog.Logger

	// serialises nonce allocation for concurrent mints
	sendMu sync.Mutex
}

// NewEthClient dials the RPC endpoint and loads the minter key
func NewEthClient(ctx context.Context, cfg *config.ChainConfig, logger *slog.Logger) (*EthClient, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dialing rpc: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("loading private key: %w", err)
	}

	contracts := make(map[string]common.Address, len(cfg.Contracts))
	for category, addr := range cfg.Contracts {
		if !common.IsHexAddress(addr) {
			client.Close()
			return nil, fmt.Errorf("contract for category %q: %w", category, domain.ErrInvalidAddress)
		}
		contracts[category] = common.HexToAddress(addr)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("querying chain id: %w", err)
		}
		chainID = id
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	logger.Info("chain client ready",
		"chain_id", chainID.String(),
		"minter", from.Hex(),
		"categories", len(contracts),
	)

	return &EthClient{
		client:    client,
		key:       key,
		from:      from,
		chainID:   chainID,
		gasLimit:  cfg.GasLimit,
		contracts: contracts,
		timeout:   cfg.CallTimeout,
		logger:    logger,
	}, nil
}

// Close closes the RPC connection
func (c *EthClient) Close() {
	c.client.Close()
}

func (c *EthClient) contract(category string) (common.Address, error) {
	addr, ok := c.contracts[category]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", domain.ErrInvalidCategory, category)
	}
	return addr, nil
}

// Mint sends mint(address) to the category's contract
func (c *EthClient) Mint(ctx context.Context, address, category string) (string, error) {
	contract, err := c.contract(category)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data := addressCall(selectorMint, address)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("%w: pending nonce: %v", domain.ErrChainUnavailable, err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas price: %v", domain.ErrChainUnavailable, err)
	}

	tx := types.NewTransaction(nonce, contract, big.NewInt(0), c.gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("signing mint: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("%w: sending mint: %v", domain.ErrChainUnavailable, err)
	}

	c.logger.Info("mint sent",
		"user_address", address,
		"category", category,
		"tx_hash", signed.Hash().Hex(),
		"nonce", nonce,
	)
	return signed.Hash().Hex(), nil
}

// MintCount reads totalSupply()
func (c *EthClient) MintCount(ctx context.Context, category string) (int64, error) {
	contract, err := c.contract(category)
	if err != nil {
		return 0, err
	}
	return c.callUint(ctx, contract, selectorTotalSupply)
}

// BalanceOf reads balanceOf(address)
func (c *EthClient) BalanceOf(ctx context.Context, address, category string) (int64, error) {
	contract, err := c.contract(category)
	if err != nil {
		return 0, err
	}
	data := addressCall(selectorBalanceOf, address)
	return c.callUint(ctx, contract, data)
}

func (c *EthClient) callUint(ctx context.Context, contract common.Address, data []byte) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: call %s: %v", domain.ErrChainUnavailable, contract.Hex(), err)
	}
	return decodeUint(out)
}

// addressCall encodes a single-address call
func addressCall(selector []byte, address string) []byte {
	data := make([]byte, 0, 4+32)
	data = append(data, selector...)
	return append(data, common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)...)
}

// decodeUint reads a single ABI-encoded uint256 word
func decodeUint(out []byte) (int64, error) {
	if len(out) < 32 {
		return 0, fmt.Errorf("%w: short return data (%d bytes)", domain.ErrChainUnavailable, len(out))
	}
	n := new(big.Int).SetBytes(out[:32])
	if !n.IsInt64() {
		return 0, fmt.Errorf("%w: value %s overflows int64", domain.ErrChainUnavailable, n.String())
	}
	return n.Int64(), nil
}
