package chain

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fomorip/internal/circuitbreaker"
)

const (
	testKey    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testEscrow = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testSeller = "0x1111111111111111111111111111111111111111"
	testBuyer  = "0x2222222222222222222222222222222222222222"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	env := map[string]string{
		"FOMORIP_BNB_ESCROW_ADDR":      testEscrow,
		"FOMORIP_ARBITRUM_ESCROW_ADDR": testEscrow,
	}
	reg, err := LoadRegistry("", func(k string) string { return env[k] })
	require.NoError(t, err)
	return reg
}

func TestLoadRegistry_Defaults(t *testing.T) {
	reg, err := LoadRegistry("", func(string) string { return "" })
	require.NoError(t, err)

	bnb, err := reg.Get("BNB")
	require.NoError(t, err)
	assert.Equal(t, int64(56), bnb.ChainID)
	assert.Equal(t, int32(18), bnb.TokenDecimals)
	assert.False(t, bnb.Configured(), "no escrow address by default")

	arb, err := reg.Get(NetworkArbitrum)
	require.NoError(t, err)
	assert.Equal(t, int32(6), arb.TokenDecimals)

	_, err = reg.Get("solana")
	assert.ErrorIs(t, err, ErrUnknownNetwork)
	assert.Len(t, reg.List(), 3)
}

func TestLoadRegistry_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "networks.yaml")
	content := `
networks:
  - name: optimism
    rpc_url: http://localhost:8545
    escrow_addr: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  - name: sepolia
    title: Sepolia
    rpc_url: http://localhost:9545
    chain_id: 11155111
    token_name: usdc
    token_decimals: 6
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	env := map[string]string{"FOMORIP_OPTIMISM_GAS_LIMIT": "42"}
	reg, err := LoadRegistry(path, func(k string) string { return env[k] })
	require.NoError(t, err)

	op, err := reg.Get(NetworkOptimism)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8545", op.RPCURL)
	assert.Equal(t, int64(10), op.ChainID, "unset fields keep defaults")
	assert.Equal(t, uint64(42), op.GasLimit)
	assert.True(t, op.Configured())

	sep, err := reg.Get("sepolia")
	require.NoError(t, err)
	assert.Equal(t, int64(11155111), sep.ChainID)
}

func TestNewRegistry_RejectsBadEscrow(t *testing.T) {
	_, err := NewRegistry(Network{Name: "x", ChainID: 1, EscrowAddr: "not-an-address"})
	assert.Error(t, err)
}

func TestUnitsRoundTrip(t *testing.T) {
	price := decimal.RequireFromString("100.5")
	units := ToUnits(price, 6)
	assert.Equal(t, "100500000", units.String())
	assert.True(t, FromUnits(units, 6).Equal(price))

	// Sub-unit precision is truncated.
	assert.Equal(t, "1", ToUnits(decimal.RequireFromString("0.0000019"), 6).String())

	wei := ToUnits(decimal.NewFromInt(1), 18)
	assert.Equal(t, "1000000000000000000", wei.String())
}

func TestSignDeal_RecoversSigner(t *testing.T) {
	reg := testRegistry(t)
	signer, err := NewSigner("0x"+testKey, reg)
	require.NoError(t, err)

	terms := DealTerms{
		Network:    NetworkArbitrum,
		Seller:     testSeller,
		Buyer:      testBuyer,
		Price:      decimal.NewFromInt(100),
		Fee:        decimal.NewFromInt(1),
		Collateral: decimal.NewFromInt(10),
		Timestamp:  1700000000,
	}

	signed, err := signer.SignDeal(terms)
	require.NoError(t, err)
	assert.Equal(t, "100000000", signed.Price)
	assert.Equal(t, "1000000", signed.Fee)
	assert.Equal(t, "10000000", signed.Collateral)
	assert.True(t, strings.HasPrefix(signed.Hash, "0x"))

	sig, err := hexutil.Decode(signed.Signature)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.GreaterOrEqual(t, sig[64], byte(27))
	sig[64] -= 27

	hash, err := hexutil.Decode(signed.Hash)
	require.NoError(t, err)
	pub, err := crypto.SigToPub(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()))

	// Deterministic: same terms, same hash.
	again, err := signer.SignDeal(terms)
	require.NoError(t, err)
	assert.Equal(t, signed.Hash, again.Hash)
	assert.Equal(t, signed.Signature, again.Signature)

	// Different decimals give a different message.
	terms.Network = NetworkBNB
	bnb, err := signer.SignDeal(terms)
	require.NoError(t, err)
	assert.NotEqual(t, signed.Hash, bnb.Hash)
	assert.Equal(t, "100000000000000000000", bnb.Price)
}

func TestSignDeal_Errors(t *testing.T) {
	reg := testRegistry(t)
	signer, err := NewSigner(testKey, reg)
	require.NoError(t, err)

	_, err = signer.SignDeal(DealTerms{Network: NetworkOptimism, Seller: testSeller, Buyer: testBuyer})
	assert.ErrorIs(t, err, ErrNetworkNotConfigured)

	_, err = signer.SignDeal(DealTerms{Network: NetworkBNB, Seller: "bob", Buyer: testBuyer})
	assert.ErrorIs(t, err, ErrInvalidTerms)

	_, err = NewSigner("zz", reg)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

// fakeCaller answers getDeal with a fixed contract deal or an error.
type fakeCaller struct {
	out   []byte
	err   error
	calls atomic.Int32
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeCaller) Close() {}

func packDeal(t *testing.T, r *ContractReader, d ContractDeal) []byte {
	t.Helper()
	out, err := r.abi.Methods["getDeal"].Outputs.Pack(d)
	require.NoError(t, err)
	return out
}

func TestContractReader_GetDeal(t *testing.T) {
	reg := testRegistry(t)
	caller := &fakeCaller{}
	reader, err := NewContractReader(reg, nil,
		WithDialer(func(ctx context.Context, url string) (Caller, error) { return caller, nil }),
		WithRetry(1, time.Millisecond),
	)
	require.NoError(t, err)

	caller.out = packDeal(t, reader, ContractDeal{
		Seller:          common.HexToAddress(testSeller),
		Buyer:           common.HexToAddress(testBuyer),
		Price:           big.NewInt(100_000_000),
		Fee:             big.NewInt(1_000_000),
		Collateral:      big.NewInt(10_000_000),
		Timestamp:       big.NewInt(1700000000),
		BuyerDeposited:  big.NewInt(100_000_000),
		SellerDeposited: big.NewInt(0),
		BuyerClaim:      big.NewInt(0),
		SellerClaim:     big.NewInt(0),
		ClaimTime:       big.NewInt(0),
		Signature:       []byte{0x01},
		Exists:          true,
	})

	hash := "0x" + strings.Repeat("ab", 32)
	deal, err := reader.GetDeal(context.Background(), NetworkArbitrum, hash)
	require.NoError(t, err)
	assert.True(t, deal.Exists)
	assert.True(t, deal.BuyerPaid())
	assert.False(t, deal.SellerPaid())
	assert.Equal(t, common.HexToAddress(testSeller), deal.Seller)
}

func TestContractReader_InvalidHash(t *testing.T) {
	reader, err := NewContractReader(testRegistry(t), nil)
	require.NoError(t, err)

	_, err = reader.GetDeal(context.Background(), NetworkBNB, "0x1234")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestContractReader_RPCFailureOpensBreaker(t *testing.T) {
	caller := &fakeCaller{err: errors.New("connection refused")}
	reader, err := NewContractReader(testRegistry(t), nil,
		WithDialer(func(ctx context.Context, url string) (Caller, error) { return caller, nil }),
		WithRetry(2, time.Millisecond),
		WithBreaker(circuitbreaker.New(1, time.Hour)),
	)
	require.NoError(t, err)

	hash := "0x" + strings.Repeat("cd", 32)
	_, err = reader.GetDeal(context.Background(), NetworkBNB, hash)
	assert.ErrorIs(t, err, ErrChainUnavailable)
	assert.Equal(t, int32(2), caller.calls.Load(), "retried once")

	_, err = reader.GetDeal(context.Background(), NetworkBNB, hash)
	assert.ErrorIs(t, err, ErrChainUnavailable)
	assert.Equal(t, int32(2), caller.calls.Load(), "breaker open, no RPC call")
	assert.Equal(t, []string{NetworkBNB}, reader.DegradedNetworks())
}

// revertError mimics the JSON-RPC error go-ethereum returns for a reverted call.
type revertError struct{}

func (revertError) Error() string          { return "execution reverted" }
func (revertError) ErrorCode() int         { return 3 }
func (revertError) ErrorData() interface{} { return "0x" }

func TestContractReader_RevertIsNotRetried(t *testing.T) {
	caller := &fakeCaller{err: revertError{}}
	reader, err := NewContractReader(testRegistry(t), nil,
		WithDialer(func(ctx context.Context, url string) (Caller, error) { return caller, nil }),
		WithRetry(3, time.Millisecond),
		WithBreaker(circuitbreaker.New(1, time.Hour)),
	)
	require.NoError(t, err)

	hash := "0x" + strings.Repeat("ef", 32)
	_, err = reader.GetDeal(context.Background(), NetworkBNB, hash)
	assert.ErrorIs(t, err, ErrInconsistentState)
	assert.Equal(t, int32(1), caller.calls.Load())
	assert.Empty(t, reader.DegradedNetworks())
}
