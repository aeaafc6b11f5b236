package solana

import (
	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature.
type Signature string

// LamportsPerSOL converts between SOL and lamports.
var LamportsPerSOL = decimal.NewFromInt(1_000_000_000)

// Well-known mints and programs.
const (
	SOLMint  Pubkey = "So11111111111111111111111111111111111111112"
	USDCMint Pubkey = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

	TokenProgram     Pubkey = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022Program Pubkey = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

// ---------------------------------------------------------------------------
// Token types
// ---------------------------------------------------------------------------

// MintInfo is the parsed state of a mint account.
type MintInfo struct {
	Mint            Pubkey          `json:"mint"`
	Program         Pubkey          `json:"program"`
	Decimals        uint8           `json:"decimals"`
	Supply          decimal.Decimal `json:"supply"`           // raw units
	MintAuthority   Pubkey          `json:"mint_authority"`   // empty = renounced
	FreezeAuthority Pubkey          `json:"freeze_authority"` // empty = renounced
	TransferFeeBps  uint16          `json:"transfer_fee_bps"` // Token-2022 transferFeeConfig
}

// IsMintRenounced returns true if the mint authority is empty.
func (m MintInfo) IsMintRenounced() bool {
	return m.MintAuthority == ""
}

// IsFreezeRenounced returns true if the freeze authority is empty.
func (m MintInfo) IsFreezeRenounced() bool {
	return m.FreezeAuthority == ""
}

// TransferFeePct is the transfer fee as a percentage.
func (m MintInfo) TransferFeePct() float64 {
	return float64(m.TransferFeeBps) / 100
}

// HolderInfo describes a token holder.
type HolderInfo struct {
	Address    Pubkey          `json:"address"`
	Balance    decimal.Decimal `json:"balance"`
	Percentage float64         `json:"percentage"` // % of total supply
}

// ---------------------------------------------------------------------------
// Transaction types
// ---------------------------------------------------------------------------

// Confirmation states reported by getSignatureStatuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusConfirmed = "confirmed"
	StatusFinalized = "finalized"
	StatusFailed    = "failed"
)

// SignatureStatus is the confirmation state of a submitted transaction.
type SignatureStatus struct {
	Signature Signature `json:"signature"`
	Status    string    `json:"status"`
	Slot      uint64    `json:"slot"`
	Err       string    `json:"err,omitempty"`
}

// Landed reports whether the transaction reached at least confirmed.
func (s SignatureStatus) Landed() bool {
	return s.Status == StatusConfirmed || s.Status == StatusFinalized
}
