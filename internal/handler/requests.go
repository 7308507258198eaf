package handler

import "github.com/koyon-nft/internal/domain"

// MintRequest is the body of POST /mint
type MintRequest struct {
	Address  string `json:"address" validate:"required"`
	Category string `json:"category" validate:"required"`
}

// AddressRequest is the body of the per-user lookups
type AddressRequest struct {
	Address string `json:"address" validate:"required"`
}

// GuessRequest is the body of POST /guess
type GuessRequest = domain.GuessSubmission

// BetRequest is the body of POST /bet
type BetRequest = domain.BetSubmission

// ScoreRequest carries the authoritative result for a day
type ScoreRequest struct {
	Result domain.Outcome `json:"result" validate:"required,min=1,dive,required"`
}

// MintResponse acknowledges a mint
type MintResponse struct {
	Address  string `json:"address"`
	Category string `json:"category"`
	TxHash   string `json:"txHash"`
}

// IsMintedResponse is the body returned by POST /isMinted
type IsMintedResponse struct {
	Minted bool `json:"minted"`
}
