package decoder

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"reactive-guard/internal/alert"
)

// EncodeLog produces the topics and data a guardian contract would emit for a.
func EncodeLog(a alert.Alert) ([]common.Hash, []byte, error) {
	if err := a.Validate(); err != nil {
		return nil, nil, err
	}

	var eventName string
	var amounts []decimal.Decimal
	switch a.Kind {
	case alert.Critical:
		eventName = eventLiquidationImminent
		amounts = []decimal.Decimal{a.HealthFactor, a.CollateralValue, a.BorrowedAmount, a.RequiredTopUp.Decimal}
	case alert.Warning:
		eventName = eventHealthFactorAlert
		amounts = []decimal.Decimal{a.HealthFactor, a.CollateralValue, a.BorrowedAmount}
	case alert.Safe:
		eventName = eventPositionSafe
		amounts = []decimal.Decimal{a.HealthFactor}
	}

	args := make([]interface{}, 0, len(amounts)+1)
	for _, amount := range amounts {
		units, err := toBaseUnits(amount)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, units)
	}
	if a.ObservedAt.Unix() < 0 {
		return nil, nil, errors.New("encode: timestamp before epoch")
	}
	args = append(args, big.NewInt(a.ObservedAt.Unix()))

	event := guardianABI.Events[eventName]
	data, err := event.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		return nil, nil, fmt.Errorf("pack %s: %w", eventName, err)
	}

	topics := []common.Hash{event.ID, common.BytesToHash(a.Subject.Bytes())}
	return topics, data, nil
}

func toBaseUnits(d decimal.Decimal) (*big.Int, error) {
	scaled := d.Shift(tokenDecimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("encode: %s has more than %d fractional digits", d.String(), tokenDecimals)
	}
	if scaled.IsNegative() {
		return nil, fmt.Errorf("encode: %s is negative", d.String())
	}
	return scaled.BigInt(), nil
}
