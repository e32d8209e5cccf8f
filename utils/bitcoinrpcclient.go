package utils

import (
	"fmt"
	"os"

	"github.com/btcsuite/btcd/rpcclient"
)

// BuildBTCNodeClient connects to the configured Bitcoin full node, used as a
// broadcast fallback next to the BlockCypher API. Returns nil when no node is
// configured.
func BuildBTCNodeClient() (*rpcclient.Client, error) {
	host := os.Getenv("BTC_NODE_HOST")
	if host == "" {
		return nil, nil
	}
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%s", host, os.Getenv("BTC_NODE_PORT")),
		User:         os.Getenv("BTC_NODE_USERNAME"),
		Pass:         os.Getenv("BTC_NODE_PASSWORD"),
		HTTPPostMode: true, // Bitcoin core only supports HTTP POST mode
		DisableTLS:   true, // Bitcoin core does not provide TLS by default
	}
	return rpcclient.New(connCfg, nil)
}
