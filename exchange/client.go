// Package exchange talks to the custodial exchange's deposit API. The
// exchange itself is an external collaborator; only its boundary is modelled
// here.
package exchange

import (
	"context"
	"fmt"
	"time"

	resty "github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Deposit status ladder as reported by the exchange. Only StatusSuccess means
// the funds are fully available; "credited" deposits are visible but not yet
// withdrawable.
const (
	StatusPending  = "pending"
	StatusCredited = "credited"
	StatusSuccess  = "success"
)

// DepositAddress is the exchange's published deposit address for one
// asset/network pair.
type DepositAddress struct {
	Address string `json:"address"`
	Tag     string `json:"tag,omitempty"`
}

// Deposit is one deposit reported by the exchange's history endpoint.
type Deposit struct {
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	Confirmations int             `json:"confirmations"`
	TxID          string          `json:"txId,omitempty"`
}

// Client is the boundary to the custodial exchange account.
type Client interface {
	GetDepositAddress(ctx context.Context, asset, network string) (*DepositAddress, error)
	GetDepositStatus(ctx context.Context, asset, address string, since time.Time) ([]Deposit, error)
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// RESTClient implements Client over the exchange's HTTP API.
type RESTClient struct {
	rest   *resty.Client
	logger *logrus.Entry
}

func NewRESTClient(baseURL, apiKey string, logger *logrus.Entry) *RESTClient {
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("X-API-KEY", apiKey)
	return &RESTClient{rest: rest, logger: logger}
}

func (c *RESTClient) GetDepositAddress(ctx context.Context, asset, network string) (*DepositAddress, error) {
	var out DepositAddress
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"asset": asset, "network": network}).
		SetResult(&out).
		Get("/api/v1/capital/deposit/address")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("deposit address request failed with status %v: %s", resp.StatusCode(), resp.Body())
	}
	if out.Address == "" {
		return nil, fmt.Errorf("exchange returned empty deposit address for %s/%s", asset, network)
	}
	return &out, nil
}

func (c *RESTClient) GetDepositStatus(ctx context.Context, asset, address string, since time.Time) ([]Deposit, error) {
	var out []Deposit
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"asset":     asset,
			"address":   address,
			"startTime": fmt.Sprintf("%d", since.UnixMilli()),
		}).
		SetResult(&out).
		Get("/api/v1/capital/deposit/history")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("deposit history request failed with status %v: %s", resp.StatusCode(), resp.Body())
	}
	return out, nil
}

type balanceResponse struct {
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
}

func (c *RESTClient) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var out balanceResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("asset", asset).
		SetResult(&out).
		Get("/api/v1/account/balance")
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode() != 200 {
		return decimal.Zero, fmt.Errorf("balance request failed with status %v: %s", resp.StatusCode(), resp.Body())
	}
	return out.Balance, nil
}
