package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// ChainClient owns the RPC connection used for receipt lookups.
type ChainClient struct {
	*ethclient.Client
}

// DialChain connects to rpcURL. HTTP endpoints are dialed lazily, so a
// successful dial does not mean the node is reachable.
func DialChain(ctx context.Context, rpcURL string) (*ChainClient, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("chain rpc url is not configured")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing chain rpc: %w", err)
	}
	return &ChainClient{Client: ethclient.NewClient(rpcClient)}, nil
}

// CheckChainID fails when the node is unreachable or serves a chain other
// than want.
func (c *ChainClient) CheckChainID(ctx context.Context, want int64) error {
	id, err := c.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("querying chain id: %w", err)
	}
	if !id.IsInt64() || id.Int64() != want {
		return fmt.Errorf("chain rpc reports chain id %s, expected %d", id, want)
	}
	return nil
}

// Close releases the RPC connection.
func (c *ChainClient) Close() {
	if c.Client != nil {
		c.Client.Close()
	}
}
