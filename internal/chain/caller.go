package chain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Caller performs read-only eth_call requests against registry contracts.
// Every call is bounded by the configured timeout; registry reads are
// advisory and must never stall a job slot.
type Caller struct {
	client  *ethclient.Client
	timeout time.Duration
}

// Dial connects to the JSON-RPC endpoint. The connection is lazy on most
// transports, so failures typically surface on the first call.
func Dial(ctx context.Context, rpcURL string, timeout time.Duration) (*Caller, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("chain: rpc url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return &Caller{client: client, timeout: timeout}, nil
}

// MustParseABI parses a compile-time ABI definition.
func MustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Errorf("chain: parse abi: %w", err))
	}
	return parsed
}

// Call packs and executes a view method at the latest block and returns the
// unpacked outputs.
func (c *Caller) Call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return out, nil
}

// Close releases the underlying RPC connection.
func (c *Caller) Close() {
	if c != nil && c.client != nil {
		c.client.Close()
	}
}
