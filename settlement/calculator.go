// Package settlement rebalances liquidity between a hot wallet and the
// custodial exchange account.
package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InvalidRatioError reports a target ratio outside [0, 1].
type InvalidRatioError struct {
	Ratio decimal.Decimal
}

func (e *InvalidRatioError) Error() string {
	return fmt.Sprintf("target ratio %s outside [0, 1]", e.Ratio)
}

var one = decimal.NewFromInt(1)

// ComputeSettlement returns the transfer amount needed to move the combined
// liquidity toward targetRatio on the exchange side:
//
//	transfer = targetRatio * (hotWalletTotal + exchangeBalance) - exchangeBalance
//
// A positive result moves hot-wallet funds to the exchange; zero or negative
// means no action (moving funds back from the exchange is not supported).
func ComputeSettlement(hotWalletTotal, exchangeBalance, targetRatio decimal.Decimal) (decimal.Decimal, error) {
	if targetRatio.IsNegative() || targetRatio.GreaterThan(one) {
		return decimal.Zero, &InvalidRatioError{Ratio: targetRatio}
	}
	combined := hotWalletTotal.Add(exchangeBalance)
	return targetRatio.Mul(combined).Sub(exchangeBalance), nil
}
