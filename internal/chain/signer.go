package chain

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

// EIP-712 domain for escrow deals.
const (
	DomainName    = "Deal"
	DomainVersion = "1"
)

// DealTerms are the off-chain parameters the escrow contract will accept
// a deposit against. Amounts are native currency; scaling happens here.
type DealTerms struct {
	Network    string
	Seller     string
	Buyer      string
	Price      decimal.Decimal
	Fee        decimal.Decimal
	Collateral decimal.Decimal
	Timestamp  int64 // deal start, unix seconds
}

// SignedDeal is what the buyer's wallet submits to the contract.
// Amounts are decimal strings in the token's smallest unit.
type SignedDeal struct {
	Seller     string `json:"seller"`
	Buyer      string `json:"buyer"`
	Price      string `json:"price"`
	Fee        string `json:"fee"`
	Collateral string `json:"collateral"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature"`
	Hash       string `json:"hash"`
}

// Signer signs deal terms with the process-held key.
type Signer struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	networks *Registry
}

// NewSigner parses a hex private key (with or without 0x).
func NewSigner(hexKey string, networks *Registry) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Signer{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		networks: networks,
	}, nil
}

// Address returns the signer's address, lowercased.
func (s *Signer) Address() string {
	return strings.ToLower(s.address.Hex())
}

// TypedDeal builds the EIP-712 payload for terms on network n.
func TypedDeal(n Network, terms DealTerms) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Deal": []apitypes.Type{
				{Name: "seller", Type: "address"},
				{Name: "buyer", Type: "address"},
				{Name: "price", Type: "uint256"},
				{Name: "fee", Type: "uint256"},
				{Name: "collateral", Type: "uint256"},
				{Name: "timestamp", Type: "uint256"},
			},
		},
		PrimaryType: "Deal",
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           math.NewHexOrDecimal256(n.ChainID),
			VerifyingContract: n.EscrowAddr,
		},
		Message: apitypes.TypedDataMessage{
			"seller":     terms.Seller,
			"buyer":      terms.Buyer,
			"price":      ToUnits(terms.Price, n.TokenDecimals).String(),
			"fee":        ToUnits(terms.Fee, n.TokenDecimals).String(),
			"collateral": ToUnits(terms.Collateral, n.TokenDecimals).String(),
			"timestamp":  fmt.Sprintf("%d", terms.Timestamp),
		},
	}
}

// SignDeal hashes and signs terms. Signing is deterministic (RFC 6979), so
// the same terms always produce the same hash and signature.
func (s *Signer) SignDeal(terms DealTerms) (*SignedDeal, error) {
	n, err := s.networks.Get(terms.Network)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(n.EscrowAddr) {
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotConfigured, n.Name)
	}
	if !common.IsHexAddress(terms.Seller) || !common.IsHexAddress(terms.Buyer) {
		return nil, fmt.Errorf("%w: seller and buyer must be addresses", ErrInvalidTerms)
	}
	if terms.Price.IsNegative() || terms.Fee.IsNegative() || terms.Collateral.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidTerms)
	}

	typed := TypedDeal(n, terms)
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTerms, err)
	}

	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("chain: sign deal: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return &SignedDeal{
		Seller:     terms.Seller,
		Buyer:      terms.Buyer,
		Price:      typed.Message["price"].(string),
		Fee:        typed.Message["fee"].(string),
		Collateral: typed.Message["collateral"].(string),
		Timestamp:  terms.Timestamp,
		Signature:  hexutil.Encode(sig),
		Hash:       hexutil.Encode(hash),
	}, nil
}
