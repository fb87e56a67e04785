package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/attestwatch/internal/metrics"
)

// Attestation registry ABI: status mutation entrypoints only.
const registryABI = `[
	{"inputs":[{"name":"key","type":"bytes32"},{"name":"riskScore","type":"uint16"},{"name":"reason","type":"string"}],"name":"flagAttestation","outputs":[],"type":"function"},
	{"inputs":[{"name":"key","type":"bytes32"},{"name":"until","type":"uint64"}],"name":"suspendAttestation","outputs":[],"type":"function"},
	{"inputs":[{"name":"key","type":"bytes32"},{"name":"reason","type":"string"}],"name":"revokeAttestation","outputs":[],"type":"function"}
]`

// DefaultGasLimit for registry status mutations.
const DefaultGasLimit = uint64(150000)

// EthClient abstracts go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// Config for the registry submitter.
type Config struct {
	RPCURL           string
	PrivateKey       string // Hex string, 0x prefix optional
	ChainID          int64
	RegistryContract string
}

// Option configures the registry submitter.
type Option func(*Registry)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(r *Registry) {
		r.client = client
	}
}

// Registry signs and submits attestation status changes to the registry
// contract.
type Registry struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
	logger     *slog.Logger
}

var _ Submitter = (*Registry)(nil)

// NewRegistry creates a registry submitter. Misconfiguration is fatal here;
// the service must not start with a half-configured submission channel.
func NewRegistry(cfg Config, logger *slog.Logger, opts ...Option) (*Registry, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, &SubmitError{Op: "init", Kind: KindSigner, Err: fmt.Errorf("invalid private key: %w", err)}
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, &SubmitError{Op: "init", Kind: KindSigner, Err: fmt.Errorf("failed to derive public key")}
	}

	parsedABI, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, &SubmitError{Op: "init", Kind: KindConfig, Err: fmt.Errorf("failed to parse registry ABI: %w", err)}
	}

	r := &Registry{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.RegistryContract),
		abi:        parsedABI,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, &SubmitError{Op: "init", Kind: KindConfig, Err: fmt.Errorf("RPC connection failed: %w", err)}
		}
		r.client = client
	}

	return r, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return &SubmitError{Op: "init", Kind: KindConfig, Err: fmt.Errorf("RPC URL required")}
	}
	if key := strings.TrimPrefix(cfg.PrivateKey, "0x"); len(key) != 64 {
		return &SubmitError{Op: "init", Kind: KindSigner, Err: fmt.Errorf("private key must be 64 hex characters")}
	}
	if cfg.ChainID == 0 {
		return &SubmitError{Op: "init", Kind: KindConfig, Err: fmt.Errorf("chain ID required")}
	}
	if cfg.RegistryContract == "" {
		return &SubmitError{Op: "init", Kind: KindConfig, Err: fmt.Errorf("registry contract address required")}
	}
	return nil
}

// Flag marks the attestation for review.
func (r *Registry) Flag(ctx context.Context, attestationKey string, riskScore float64, reason string) (string, error) {
	score := uint16(riskScore)
	if riskScore > 100 {
		score = 100
	}
	data, err := r.abi.Pack("flagAttestation", attestationKeyBytes(attestationKey), score, reason)
	if err != nil {
		return "", &SubmitError{Op: "flag", Kind: KindConfig, Err: err}
	}
	return r.submit(ctx, "flag", data)
}

// Suspend disables the attestation until the given time.
func (r *Registry) Suspend(ctx context.Context, attestationKey string, until time.Time) (string, error) {
	data, err := r.abi.Pack("suspendAttestation", attestationKeyBytes(attestationKey), uint64(until.Unix()))
	if err != nil {
		return "", &SubmitError{Op: "suspend", Kind: KindConfig, Err: err}
	}
	return r.submit(ctx, "suspend", data)
}

// Revoke permanently revokes the attestation.
func (r *Registry) Revoke(ctx context.Context, attestationKey string, reason string) (string, error) {
	data, err := r.abi.Pack("revokeAttestation", attestationKeyBytes(attestationKey), reason)
	if err != nil {
		return "", &SubmitError{Op: "revoke", Kind: KindConfig, Err: err}
	}
	return r.submit(ctx, "revoke", data)
}

// submit builds, signs, and sends one registry transaction.
func (r *Registry) submit(ctx context.Context, op string, data []byte) (string, error) {
	nonce, err := r.client.PendingNonceAt(ctx, r.address)
	if err != nil {
		metrics.LedgerSubmissionsTotal.WithLabelValues(op, "error").Inc()
		return "", &SubmitError{Op: op, Kind: KindRPC, Err: fmt.Errorf("nonce: %w", err)}
	}

	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		metrics.LedgerSubmissionsTotal.WithLabelValues(op, "error").Inc()
		return "", &SubmitError{Op: op, Kind: KindRPC, Err: fmt.Errorf("gas price: %w", err)}
	}

	gasLimit, err := r.client.EstimateGas(ctx, ethereum.CallMsg{
		From: r.address,
		To:   &r.contract,
		Data: data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, r.contract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(r.chainID), r.privateKey)
	if err != nil {
		metrics.LedgerSubmissionsTotal.WithLabelValues(op, "error").Inc()
		return "", &SubmitError{Op: op, Kind: KindSigner, Err: err}
	}

	if err := r.client.SendTransaction(ctx, signedTx); err != nil {
		metrics.LedgerSubmissionsTotal.WithLabelValues(op, "error").Inc()
		return "", &SubmitError{Op: op, Kind: KindRejected, TxHash: signedTx.Hash().Hex(), Err: err}
	}

	txHash := signedTx.Hash().Hex()
	metrics.LedgerSubmissionsTotal.WithLabelValues(op, "success").Inc()
	r.logger.Info("registry submission sent",
		"op", op,
		"txHash", txHash,
		"nonce", nonce)
	return txHash, nil
}

// attestationKeyBytes normalizes an attestation key into a bytes32 argument.
// Hex-encoded keys are decoded; anything else is hashed.
func attestationKeyBytes(key string) [32]byte {
	var out [32]byte
	trimmed := strings.TrimPrefix(key, "0x")
	if len(trimmed) == 64 {
		if decoded := common.FromHex("0x" + trimmed); len(decoded) == 32 {
			copy(out[:], decoded)
			return out
		}
	}
	return [32]byte(crypto.Keccak256Hash([]byte(key)))
}
