package evmrpc

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Typed wrappers for the closed set of JSON-RPC methods the custody core
// uses. All numeric results come back hex-encoded and are parsed as
// arbitrary-precision integers.

func (d *Dispatcher) BlockNumber(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	if err := d.Call(ctx, "eth_blockNumber", nil, &out); err != nil {
		return nil, err
	}
	return out.ToInt(), nil
}

func (d *Dispatcher) GasPrice(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	if err := d.Call(ctx, "eth_gasPrice", nil, &out); err != nil {
		return nil, err
	}
	return out.ToInt(), nil
}

func (d *Dispatcher) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	var out hexutil.Big
	if err := d.Call(ctx, "eth_getBalance", []interface{}{address, "latest"}, &out); err != nil {
		return nil, err
	}
	return out.ToInt(), nil
}

// GetTransactionCount returns the pending-state nonce for an address.
func (d *Dispatcher) GetTransactionCount(ctx context.Context, address common.Address) (uint64, error) {
	var out hexutil.Uint64
	if err := d.Call(ctx, "eth_getTransactionCount", []interface{}{address, "pending"}, &out); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

func (d *Dispatcher) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	var out hexutil.Uint64
	if err := d.Call(ctx, "eth_estimateGas", []interface{}{msg}, &out); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

func (d *Dispatcher) CallContract(ctx context.Context, msg CallMsg) ([]byte, error) {
	var out hexutil.Bytes
	if err := d.Call(ctx, "eth_call", []interface{}{msg, "latest"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) GetBlockByNumber(ctx context.Context, number *big.Int) (*Block, error) {
	tag := "latest"
	if number != nil {
		tag = hexutil.EncodeBig(number)
	}
	var out Block
	if err := d.Call(ctx, "eth_getBlockByNumber", []interface{}{tag, false}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Dispatcher) GetTransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	var out Transaction
	if err := d.Call(ctx, "eth_getTransactionByHash", []interface{}{hash}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Dispatcher) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var out Receipt
	if err := d.Call(ctx, "eth_getTransactionReceipt", []interface{}{hash}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendRawTransaction submits a signed payload through the round-robin pool.
func (d *Dispatcher) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var out common.Hash
	if err := d.Call(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Encode(raw)}, &out); err != nil {
		return common.Hash{}, err
	}
	return out, nil
}

// SendRawTransactionTo submits a signed payload to one specific endpoint.
func (d *Dispatcher) SendRawTransactionTo(ctx context.Context, endpoint string, raw []byte) (common.Hash, error) {
	var out common.Hash
	if err := d.CallEndpoint(ctx, endpoint, "eth_sendRawTransaction", []interface{}{hexutil.Encode(raw)}, &out); err != nil {
		return common.Hash{}, err
	}
	return out, nil
}
