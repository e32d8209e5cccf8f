package evmrpc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC level error returned by an endpoint.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ProtocolError marks a response the dispatcher could not parse into the
// expected shape. It indicates a broken endpoint, not a bad request.
type ProtocolError struct {
	Endpoint string
	Method   string
	Reason   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s calling %s: %s", e.Endpoint, e.Method, e.Reason)
}

// Error substrings that indicate a bad request rather than a bad endpoint.
// These are surfaced immediately, never retried, and never quarantine the
// endpoint.
var nonRetryableSubstrings = []string{
	"nonce too low",
	"invalid argument",
	"required exceeds allowance",
}

func isNonRetryable(err *RPCError) bool {
	msg := strings.ToLower(err.Message)
	for _, s := range nonRetryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// CallMsg is the argument shape for eth_call and eth_estimateGas.
type CallMsg struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
}

// Block is the subset of eth_getBlockByNumber used by the custody core.
type Block struct {
	Number    *hexutil.Big   `json:"number"`
	Hash      common.Hash    `json:"hash"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// Transaction is the subset of eth_getTransactionByHash used here. A nil
// BlockNumber means the transaction is still pending.
type Transaction struct {
	Hash        common.Hash  `json:"hash"`
	BlockNumber *hexutil.Big `json:"blockNumber"`
}

// Receipt is the subset of eth_getTransactionReceipt used here. Status 1 is
// success, 0 is reverted.
type Receipt struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
	Status          hexutil.Uint64 `json:"status"`
}
