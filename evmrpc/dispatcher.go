package evmrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// How long a failing endpoint stays out of the selection pool.
	EndpointCooldown = 5 * time.Minute
	// How long to wait before re-checking when every endpoint is quarantined.
	NoEndpointWait = 10 * time.Second
)

// ErrNotFound is returned when a lookup (transaction, receipt) answers null.
var ErrNotFound = errors.New("not found")

// Dispatcher multiplexes JSON-RPC calls for one logical chain across a pool
// of endpoint urls. Selection is round-robin over non-quarantined endpoints;
// an endpoint that errors is quarantined for EndpointCooldown and the call is
// retried elsewhere with the same request id. When no endpoint is available
// the dispatcher waits and retries forever; callers needing a deadline must
// bound the context themselves.
type Dispatcher struct {
	chainKey  string
	endpoints []string
	client    *http.Client
	logger    *logrus.Entry

	mu         sync.Mutex
	quarantine map[string]time.Time

	counter uint64
	reqID   uint64
}

func NewDispatcher(chainKey string, endpoints []string, logger *logrus.Entry) (*Dispatcher, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("dispatcher for %s needs at least one endpoint", chainKey)
	}
	return &Dispatcher{
		chainKey:   chainKey,
		endpoints:  append([]string(nil), endpoints...),
		client:     &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		quarantine: map[string]time.Time{},
	}, nil
}

func (d *Dispatcher) ChainKey() string { return d.chainKey }

// Endpoints returns every configured endpoint, quarantined or not. Used by
// the EVM adapter to broadcast a signed payload everywhere at once.
func (d *Dispatcher) Endpoints() []string {
	return append([]string(nil), d.endpoints...)
}

// pickEndpoint returns the next endpoint in round-robin order over the
// non-quarantined set, releasing entries whose cooldown expired.
func (d *Dispatcher) pickEndpoint() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	available := make([]string, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		release, held := d.quarantine[ep]
		if held && now.Before(release) {
			continue
		}
		if held {
			delete(d.quarantine, ep)
		}
		available = append(available, ep)
	}
	if len(available) == 0 {
		return "", false
	}
	n := atomic.AddUint64(&d.counter, 1)
	return available[(n-1)%uint64(len(available))], true
}

func (d *Dispatcher) quarantineEndpoint(ep string, cause error) {
	d.mu.Lock()
	d.quarantine[ep] = time.Now().Add(EndpointCooldown)
	d.mu.Unlock()
	d.logger.Warnf("Quarantined endpoint %s for %v: %v", ep, EndpointCooldown, cause)
}

// Call executes one JSON-RPC method, retrying across endpoints until an
// endpoint answers or the call fails with a non-retryable error. result may
// be nil when the caller does not need the payload.
func (d *Dispatcher) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	id := atomic.AddUint64(&d.reqID, 1)

	for {
		ep, ok := d.pickEndpoint()
		if !ok {
			d.logger.Warnf("All %s endpoints quarantined, waiting %v", d.chainKey, NoEndpointWait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(NoEndpointWait):
			}
			continue
		}

		err := d.post(ctx, ep, id, method, params, result)
		if err == nil {
			return nil
		}

		if errors.Is(err, ErrNotFound) {
			return err
		}
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && isNonRetryable(rpcErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.quarantineEndpoint(ep, err)
	}
}

// CallEndpoint sends one request to one specific endpoint with no retry and
// no quarantine bookkeeping.
func (d *Dispatcher) CallEndpoint(ctx context.Context, endpoint, method string, params []interface{}, result interface{}) error {
	id := atomic.AddUint64(&d.reqID, 1)
	return d.post(ctx, endpoint, id, method, params, result)
}

func (d *Dispatcher) post(ctx context.Context, endpoint string, id uint64, method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint %s returned status %d", endpoint, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return &ProtocolError{Endpoint: endpoint, Method: method, Reason: err.Error()}
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		// Lookups for unknown hashes legitimately answer null.
		return ErrNotFound
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return &ProtocolError{Endpoint: endpoint, Method: method, Reason: err.Error()}
	}
	return nil
}
