package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKey is a throwaway key for signing in tests.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type fakeEthClient struct {
	nonce    uint64
	sendErr  error
	nonceErr error
	sent     []*types.Transaction
}

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, f.nonceErr
}

func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("estimation unavailable")
}

func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEthClient) Close() {}

func testRegistry(t *testing.T, client EthClient) *Registry {
	t.Helper()
	r, err := NewRegistry(Config{
		RPCURL:           "http://localhost:8545",
		PrivateKey:       testKey,
		ChainID:          8453,
		RegistryContract: "0x1111111111111111111111111111111111111111",
	}, slog.New(slog.DiscardHandler), WithClient(client))
	require.NoError(t, err)
	return r
}

func TestNewRegistry_ConfigValidation(t *testing.T) {
	base := Config{
		RPCURL:           "http://localhost:8545",
		PrivateKey:       testKey,
		ChainID:          8453,
		RegistryContract: "0x1111111111111111111111111111111111111111",
	}

	missing := base
	missing.RPCURL = ""
	_, err := NewRegistry(missing, nil)
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindConfig, se.Kind)

	badKey := base
	badKey.PrivateKey = "deadbeef"
	_, err = NewRegistry(badKey, nil)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindSigner, se.Kind)

	noContract := base
	noContract.RegistryContract = ""
	_, err = NewRegistry(noContract, nil)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindConfig, se.Kind)
}

func TestRegistry_Submissions(t *testing.T) {
	client := &fakeEthClient{nonce: 7}
	r := testRegistry(t, client)
	ctx := t.Context()

	txHash, err := r.Flag(ctx, "att-key-1", 62.5, "medium risk")
	require.NoError(t, err)
	assert.NotEmpty(t, txHash)

	_, err = r.Suspend(ctx, "att-key-1", time.Now().Add(7*24*time.Hour))
	require.NoError(t, err)

	_, err = r.Revoke(ctx, "att-key-1", "critical risk")
	require.NoError(t, err)

	require.Len(t, client.sent, 3)
	for _, tx := range client.sent {
		assert.Equal(t, uint64(7), tx.Nonce())
		assert.Equal(t, DefaultGasLimit, tx.Gas(), "failed estimation falls back to default")
		assert.NotEmpty(t, tx.Data())
	}
}

func TestRegistry_ErrorKinds(t *testing.T) {
	nonceFail := &fakeEthClient{nonceErr: errors.New("connection refused")}
	r := testRegistry(t, nonceFail)

	_, err := r.Flag(t.Context(), "att-key-1", 50, "reason")
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindRPC, se.Kind)
	assert.True(t, se.Retryable())

	sendFail := &fakeEthClient{sendErr: errors.New("execution reverted")}
	r = testRegistry(t, sendFail)

	_, err = r.Revoke(t.Context(), "att-key-1", "reason")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindRejected, se.Kind)
	assert.False(t, se.Retryable())
	assert.NotEmpty(t, se.TxHash, "rejection carries the attempted tx hash")
}

func TestAttestationKeyBytes(t *testing.T) {
	// A 32-byte hex key decodes directly.
	direct := attestationKeyBytes("0xabcdef0000000000000000000000000000000000000000000000000000000000")
	assert.Equal(t, byte(0xab), direct[0])

	// Arbitrary strings hash deterministically.
	a := attestationKeyBytes("attestation-42")
	b := attestationKeyBytes("attestation-42")
	c := attestationKeyBytes("attestation-43")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNoopSubmitter(t *testing.T) {
	var s NoopSubmitter

	_, err := s.Flag(t.Context(), "key", 50, "reason")
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindConfig, se.Kind)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = s.Suspend(t.Context(), "key", time.Now())
	assert.Error(t, err)
	_, err = s.Revoke(t.Context(), "key", "reason")
	assert.Error(t, err)
}
