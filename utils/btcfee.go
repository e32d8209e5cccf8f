package utils

import (
	"encoding/json"
	"fmt"
	"os"

	resty "github.com/go-resty/resty/v2"
)

const DefaultBTCFeeAPI = "https://mempool.space/api/v1/fees/recommended"

type FeeRateResponseBody struct {
	FastestFee  uint64 `json:"fastestFee"`
	HalfHourFee uint64 `json:"halfHourFee"`
	HourFee     uint64 `json:"hourFee"`
}

// GetBTCFeeRate returns the current half-hour-target fee rate in sat/vB from
// the fee API named by BTC_FEE_API. Callers fall back to a fixed reserve when
// the API is unreachable.
func GetBTCFeeRate() (uint64, error) {
	url := os.Getenv("BTC_FEE_API")
	if url == "" {
		url = DefaultBTCFeeAPI
	}

	client := resty.New()
	response, err := client.R().Get(url)
	if err != nil {
		return 0, err
	}
	if response.StatusCode() != 200 {
		return 0, fmt.Errorf("Response status code: %v", response.StatusCode())
	}

	var responseBody FeeRateResponseBody
	err = json.Unmarshal(response.Body(), &responseBody)
	if err != nil {
		return 0, fmt.Errorf("Could not parse response: %v", response.Body())
	}
	if responseBody.HalfHourFee == 0 {
		return 0, fmt.Errorf("Fee API returned zero rate")
	}
	return responseBody.HalfHourFee, nil
}
