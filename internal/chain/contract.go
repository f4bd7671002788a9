package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/fomorip/internal/circuitbreaker"
	"github.com/mbd888/fomorip/internal/retry"
)

// escrowABI covers the single read the marketplace performs.
const escrowABI = `[{
	"inputs": [{"internalType": "bytes32", "name": "hash", "type": "bytes32"}],
	"name": "getDeal",
	"outputs": [{
		"components": [
			{"internalType": "address", "name": "seller", "type": "address"},
			{"internalType": "address", "name": "buyer", "type": "address"},
			{"internalType": "uint256", "name": "price", "type": "uint256"},
			{"internalType": "uint256", "name": "fee", "type": "uint256"},
			{"internalType": "uint256", "name": "collateral", "type": "uint256"},
			{"internalType": "uint256", "name": "timestamp", "type": "uint256"},
			{"internalType": "uint256", "name": "buyerDeposited", "type": "uint256"},
			{"internalType": "uint256", "name": "sellerDeposited", "type": "uint256"},
			{"internalType": "uint256", "name": "buyerClaim", "type": "uint256"},
			{"internalType": "uint256", "name": "sellerClaim", "type": "uint256"},
			{"internalType": "uint256", "name": "claimTime", "type": "uint256"},
			{"internalType": "bytes", "name": "signature", "type": "bytes"},
			{"internalType": "bool", "name": "exists", "type": "bool"},
			{"internalType": "bool", "name": "arbitration", "type": "bool"},
			{"internalType": "bool", "name": "buyerCompleted", "type": "bool"},
			{"internalType": "bool", "name": "closed", "type": "bool"}
		],
		"internalType": "struct Escrow.Deal",
		"name": "",
		"type": "tuple"
	}],
	"stateMutability": "view",
	"type": "function"
}]`

// ContractDeal is the escrow contract's view of a deal. Amounts are in the
// token's smallest unit.
type ContractDeal struct {
	Seller          common.Address
	Buyer           common.Address
	Price           *big.Int
	Fee             *big.Int
	Collateral      *big.Int
	Timestamp       *big.Int
	BuyerDeposited  *big.Int
	SellerDeposited *big.Int
	BuyerClaim      *big.Int
	SellerClaim     *big.Int
	ClaimTime       *big.Int
	Signature       []byte
	Exists          bool
	Arbitration     bool
	BuyerCompleted  bool
	Closed          bool
}

// BuyerPaid reports whether the buyer's cumulative deposit equals the price.
func (d *ContractDeal) BuyerPaid() bool {
	return d.Exists && d.BuyerDeposited != nil && d.Price != nil && d.BuyerDeposited.Cmp(d.Price) == 0
}

// SellerPaid reports whether the seller's cumulative deposit equals the collateral.
func (d *ContractDeal) SellerPaid() bool {
	return d.Exists && d.SellerDeposited != nil && d.Collateral != nil && d.SellerDeposited.Cmp(d.Collateral) == 0
}

// -----------------------------------------------------------------------------
// Reader
// -----------------------------------------------------------------------------

// Caller is the subset of ethclient.Client the reader needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Dialer opens a Caller for an RPC URL.
type Dialer func(ctx context.Context, rpcURL string) (Caller, error)

func dialEthClient(ctx context.Context, rpcURL string) (Caller, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

// ContractReader performs read-only escrow calls, one lazily dialed client
// per network. Calls are retried with backoff and guarded by a per-network
// circuit breaker so a dead RPC endpoint fails fast.
type ContractReader struct {
	networks  *Registry
	abi       abi.ABI
	dial      Dialer
	breaker   *circuitbreaker.Breaker
	attempts  int
	baseDelay time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]Caller
}

// ReaderOption configures a ContractReader.
type ReaderOption func(*ContractReader)

// WithDialer replaces the RPC dialer (used by tests).
func WithDialer(d Dialer) ReaderOption {
	return func(r *ContractReader) { r.dial = d }
}

// WithRetry sets the per-call retry policy.
func WithRetry(attempts int, baseDelay time.Duration) ReaderOption {
	return func(r *ContractReader) {
		r.attempts = attempts
		r.baseDelay = baseDelay
	}
}

// WithBreaker replaces the circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) ReaderOption {
	return func(r *ContractReader) { r.breaker = b }
}

// NewContractReader creates a reader over the given networks.
func NewContractReader(networks *Registry, logger *slog.Logger, opts ...ReaderOption) (*ContractReader, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse escrow abi: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &ContractReader{
		networks:  networks,
		abi:       parsed,
		dial:      dialEthClient,
		breaker:   circuitbreaker.New(5, 30*time.Second),
		attempts:  3,
		baseDelay: 200 * time.Millisecond,
		logger:    logger,
		clients:   make(map[string]Caller),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// GetDeal reads the contract's deal record for hashID on the named network.
// RPC failures are reported as ErrChainUnavailable; a response that cannot be
// decoded is ErrInconsistentState.
func (r *ContractReader) GetDeal(ctx context.Context, network, hashID string) (*ContractDeal, error) {
	n, err := r.networks.Get(network)
	if err != nil {
		return nil, err
	}
	if !n.Configured() {
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotConfigured, n.Name)
	}

	raw, err := hexutil.Decode(hashID)
	if err != nil || len(raw) != common.HashLength {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, hashID)
	}
	var key [32]byte
	copy(key[:], raw)

	input, err := r.abi.Pack("getDeal", key)
	if err != nil {
		return nil, fmt.Errorf("chain: pack getDeal: %w", err)
	}

	if !r.breaker.Allow(n.Name) {
		return nil, fmt.Errorf("%w: circuit open for %s", ErrChainUnavailable, n.Name)
	}

	escrow := common.HexToAddress(n.EscrowAddr)
	var out []byte
	err = retry.Do(ctx, r.attempts, r.baseDelay, func() error {
		client, err := r.client(ctx, n)
		if err != nil {
			return err
		}
		out, err = client.CallContract(ctx, ethereum.CallMsg{To: &escrow, Data: input}, nil)
		// A revert is an answer from the node; asking again will not change it.
		var reverted rpc.DataError
		if errors.As(err, &reverted) {
			return retry.Permanent(err)
		}
		return err
	})
	var reverted rpc.DataError
	if errors.As(err, &reverted) {
		r.breaker.RecordSuccess(n.Name)
		return nil, fmt.Errorf("%w: getDeal reverted: %v", ErrInconsistentState, err)
	}
	if err != nil {
		r.breaker.RecordFailure(n.Name)
		r.logger.Warn("escrow getDeal failed", "network", n.Name, "hash", hashID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	r.breaker.RecordSuccess(n.Name)

	values, err := r.abi.Unpack("getDeal", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("%w: unpack getDeal: %v", ErrInconsistentState, err)
	}
	deal, ok := abi.ConvertType(values[0], new(ContractDeal)).(*ContractDeal)
	if !ok || deal == nil {
		return nil, fmt.Errorf("%w: unexpected getDeal output", ErrInconsistentState)
	}
	return deal, nil
}

func (r *ContractReader) client(ctx context.Context, n Network) (Caller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[n.Name]; ok {
		return c, nil
	}
	c, err := r.dial(ctx, n.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", n.Name, err)
	}
	r.clients[n.Name] = c
	return c, nil
}

// DegradedNetworks lists networks whose RPC circuit is open or probing.
func (r *ContractReader) DegradedNetworks() []string {
	return r.breaker.OpenKeys()
}

// Close releases all RPC clients.
func (r *ContractReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, c := range r.clients {
		c.Close()
		delete(r.clients, name)
	}
	return nil
}
