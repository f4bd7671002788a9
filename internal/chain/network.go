// Package chain is the settlement boundary between the marketplace and the
// external escrow contract. It signs deal parameters as EIP-712 typed data,
// reads deal state back from the contract and holds the per-network table
// (RPC endpoint, chain id, escrow and token addresses, token decimals).
//
// Nothing in here mutates marketplace state. Callers capture the result of a
// read and apply the consequence in their own transaction.
package chain

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrUnknownNetwork       = errors.New("chain: unknown network")
	ErrNetworkNotConfigured = errors.New("chain: network has no escrow contract configured")
	ErrChainUnavailable     = errors.New("chain: rpc unavailable")
	ErrInconsistentState    = errors.New("chain: contract returned inconsistent data")
	ErrInvalidHash          = errors.New("chain: invalid deal hash")
	ErrInvalidKey           = errors.New("chain: invalid signer key")
	ErrInvalidTerms         = errors.New("chain: invalid deal terms")
)

// -----------------------------------------------------------------------------
// Networks
// -----------------------------------------------------------------------------

// Network describes one supported chain. The table is configuration: it is
// loaded at startup and never discovered at runtime.
type Network struct {
	Name          string `yaml:"name" json:"name"`
	Title         string `yaml:"title" json:"title"`
	RPCURL        string `yaml:"rpc_url" json:"-"`
	ChainID       int64  `yaml:"chain_id" json:"chainId"`
	EscrowAddr    string `yaml:"escrow_addr" json:"escrowAddr"`
	TokenName     string `yaml:"token_name" json:"tokenName"`
	TokenAddr     string `yaml:"token_addr" json:"tokenAddr"`
	TokenDecimals int32  `yaml:"token_decimals" json:"tokenDecimals"`
	GasLimit      uint64 `yaml:"gas_limit" json:"gasLimit"`
	GasPrice      uint64 `yaml:"gas_price" json:"gasPrice"`
}

// Configured reports whether the network can be used for settlement.
func (n Network) Configured() bool {
	return n.RPCURL != "" && common.IsHexAddress(n.EscrowAddr)
}

// Supported network identifiers.
const (
	NetworkBNB      = "bnb"
	NetworkArbitrum = "arbitrum"
	NetworkOptimism = "optimism"
)

// DefaultNetworks returns the built-in network table. Escrow addresses are
// deployment specific and left empty.
func DefaultNetworks() []Network {
	return []Network{
		{
			Name:          NetworkBNB,
			Title:         "BNB Smart Chain",
			RPCURL:        "https://bsc-dataseed.binance.org",
			ChainID:       56,
			TokenName:     "busd",
			TokenAddr:     "0xe9e7cea3dedca5984780bafc599bd69add087d56",
			TokenDecimals: 18,
			GasLimit:      1000000,
			GasPrice:      10000000000,
		},
		{
			Name:          NetworkArbitrum,
			Title:         "Arbitrum One",
			RPCURL:        "https://arb1.arbitrum.io/rpc",
			ChainID:       42161,
			TokenName:     "usdc",
			TokenAddr:     "0xFF970A61A04b1cA14834A43f5dE4533eBDDB5CC8",
			TokenDecimals: 6,
			GasLimit:      1000000,
			GasPrice:      100000000,
		},
		{
			Name:          NetworkOptimism,
			Title:         "Optimism",
			RPCURL:        "https://mainnet.optimism.io",
			ChainID:       10,
			TokenName:     "usdc",
			TokenAddr:     "0x7f5c764cbc14f9669b88837ca1490cca17c31607",
			TokenDecimals: 6,
			GasLimit:      2000000,
			GasPrice:      1000000,
		},
	}
}

// Registry is an immutable lookup table of networks.
type Registry struct {
	networks map[string]Network
}

// NewRegistry builds a registry from the given networks.
func NewRegistry(networks ...Network) (*Registry, error) {
	r := &Registry{networks: make(map[string]Network, len(networks))}
	for _, n := range networks {
		n.Name = strings.ToLower(strings.TrimSpace(n.Name))
		if n.Name == "" {
			return nil, fmt.Errorf("chain: network without a name")
		}
		if n.ChainID <= 0 {
			return nil, fmt.Errorf("chain: network %s: chain_id must be positive", n.Name)
		}
		if n.TokenDecimals < 0 || n.TokenDecimals > 36 {
			return nil, fmt.Errorf("chain: network %s: token_decimals out of range", n.Name)
		}
		if n.EscrowAddr != "" && !common.IsHexAddress(n.EscrowAddr) {
			return nil, fmt.Errorf("chain: network %s: invalid escrow_addr %q", n.Name, n.EscrowAddr)
		}
		r.networks[n.Name] = n
	}
	return r, nil
}

// Get returns the network with the given identifier.
func (r *Registry) Get(name string) (Network, error) {
	n, ok := r.networks[strings.ToLower(name)]
	if !ok {
		return Network{}, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
	return n, nil
}

// Has reports whether name is a supported network.
func (r *Registry) Has(name string) bool {
	_, ok := r.networks[strings.ToLower(name)]
	return ok
}

// List returns all networks sorted by name.
func (r *Registry) List() []Network {
	out := make([]Network, 0, len(r.networks))
	for _, n := range r.networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type networksFile struct {
	Networks []Network `yaml:"networks"`
}

// LoadRegistry starts from DefaultNetworks, merges the YAML file at path
// (if path is non-empty) by network name, then applies per-network
// environment overrides read through lookup:
//
//	FOMORIP_<NAME>_RPC_URL, FOMORIP_<NAME>_ESCROW_ADDR,
//	FOMORIP_<NAME>_GAS_LIMIT, FOMORIP_<NAME>_GAS_PRICE
//
// A nil lookup means os.Getenv.
func LoadRegistry(path string, lookup func(string) string) (*Registry, error) {
	if lookup == nil {
		lookup = os.Getenv
	}

	byName := make(map[string]Network)
	var order []string
	for _, n := range DefaultNetworks() {
		byName[n.Name] = n
		order = append(order, n.Name)
	}

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator supplied config path
		if err != nil {
			return nil, fmt.Errorf("chain: read networks file: %w", err)
		}
		var f networksFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("chain: parse networks file: %w", err)
		}
		for _, n := range f.Networks {
			name := strings.ToLower(strings.TrimSpace(n.Name))
			base, exists := byName[name]
			if !exists {
				order = append(order, name)
			}
			byName[name] = mergeNetwork(base, n)
		}
	}

	networks := make([]Network, 0, len(order))
	for _, name := range order {
		n := byName[name]
		prefix := "FOMORIP_" + strings.ToUpper(name) + "_"
		if v := lookup(prefix + "RPC_URL"); v != "" {
			n.RPCURL = v
		}
		if v := lookup(prefix + "ESCROW_ADDR"); v != "" {
			n.EscrowAddr = v
		}
		if v := lookup(prefix + "GAS_LIMIT"); v != "" {
			if g, err := strconv.ParseUint(v, 10, 64); err == nil {
				n.GasLimit = g
			}
		}
		if v := lookup(prefix + "GAS_PRICE"); v != "" {
			if g, err := strconv.ParseUint(v, 10, 64); err == nil {
				n.GasPrice = g
			}
		}
		networks = append(networks, n)
	}

	return NewRegistry(networks...)
}

// mergeNetwork overlays the non-zero fields of override onto base.
func mergeNetwork(base, override Network) Network {
	out := base
	out.Name = strings.ToLower(strings.TrimSpace(override.Name))
	if override.Title != "" {
		out.Title = override.Title
	}
	if override.RPCURL != "" {
		out.RPCURL = override.RPCURL
	}
	if override.ChainID != 0 {
		out.ChainID = override.ChainID
	}
	if override.EscrowAddr != "" {
		out.EscrowAddr = override.EscrowAddr
	}
	if override.TokenName != "" {
		out.TokenName = override.TokenName
	}
	if override.TokenAddr != "" {
		out.TokenAddr = override.TokenAddr
	}
	if override.TokenDecimals != 0 {
		out.TokenDecimals = override.TokenDecimals
	}
	if override.GasLimit != 0 {
		out.GasLimit = override.GasLimit
	}
	if override.GasPrice != 0 {
		out.GasPrice = override.GasPrice
	}
	return out
}
