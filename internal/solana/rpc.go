package solana

import (
	"context"
	"time"

	"github.com/nexus-trading/launchguard/internal/retry"
)

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint     string        `yaml:"endpoint"` // e.g. https://api.mainnet-beta.solana.com
	Timeout      time.Duration `yaml:"timeout"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"` // requests per second limit
	Retry        retry.Policy  `yaml:"retry"`
}

// DefaultRPCConfig returns development defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:     "https://api.mainnet-beta.solana.com",
		Timeout:      10 * time.Second,
		RateLimitRPS: 10,
		Retry: retry.Policy{
			Base:        500 * time.Millisecond,
			Max:         4 * time.Second,
			MaxAttempts: 3,
			Factor:      2,
		},
	}
}

// TokenReader is the read side of the RPC client used for enrichment.
type TokenReader interface {
	GetMintInfo(ctx context.Context, mint Pubkey) (*MintInfo, error)
	GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]HolderInfo, error)
	GetHolderCount(ctx context.Context, mint Pubkey) (int, error)
}

// TxSender submits signed transactions and reports their status.
type TxSender interface {
	SendTransaction(ctx context.Context, txBase64 string) (Signature, error)
	GetSignatureStatus(ctx context.Context, sig Signature) (SignatureStatus, error)
}
