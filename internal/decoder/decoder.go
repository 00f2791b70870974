package decoder

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"reactive-guard/internal/alert"
)

const (
	guardianEventsABIJSON = `[
{"anonymous":false,"name":"HealthFactorAlert","type":"event","inputs":[
 {"indexed":true,"internalType":"address","name":"user","type":"address"},
 {"indexed":false,"internalType":"uint256","name":"healthFactor","type":"uint256"},
 {"indexed":false,"internalType":"uint256","name":"collateralValue","type":"uint256"},
 {"indexed":false,"internalType":"uint256","name":"borrowedAmount","type":"uint256"},
 {"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}]},
{"anonymous":false,"name":"LiquidationImminent","type":"event","inputs":[
 {"indexed":true,"internalType":"address","name":"user","type":"address"},
 {"indexed":false,"internalType":"uint256","name":"healthFactor","type":"uint256"},
 {"indexed":false,"internalType":"uint256","name":"collateralValue","type":"uint256"},
 {"indexed":false,"internalType":"uint256","name":"borrowedAmount","type":"uint256"},
 {"indexed":false,"internalType":"uint256","name":"requiredTopUp","type":"uint256"},
 {"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}]},
{"anonymous":false,"name":"PositionSafe","type":"event","inputs":[
 {"indexed":true,"internalType":"address","name":"user","type":"address"},
 {"indexed":false,"internalType":"uint256","name":"healthFactor","type":"uint256"},
 {"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}]}
]`

	wordSize = 32

	eventHealthFactorAlert   = "HealthFactorAlert"
	eventLiquidationImminent = "LiquidationImminent"
	eventPositionSafe        = "PositionSafe"
)

// tokenDecimals is the fixed-point scale of every guardian amount.
const tokenDecimals = 18

var (
	ErrTooFewTopics      = errors.New("log carries fewer than 2 topics")
	ErrUnknownShape      = errors.New("payload length matches no guardian event")
	ErrSignatureMismatch = errors.New("topic0 is not a guardian event signature")
	ErrMalformedField    = errors.New("malformed event field")
)

var (
	guardianABI abi.ABI
	// shapes are ordered widest payload first.
	shapes []shape
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(guardianEventsABIJSON))
	if err != nil {
		panic("failed to parse guardian event ABI: " + err.Error())
	}
	guardianABI = parsed
	shapes = []shape{
		{event: parsed.Events[eventLiquidationImminent], words: 5, kind: alert.Critical},
		{event: parsed.Events[eventHealthFactorAlert], words: 4, kind: alert.Warning},
		{event: parsed.Events[eventPositionSafe], words: 2, kind: alert.Safe},
	}
}

// DecodeError reports a log that could not be turned into an alert.
type DecodeError struct {
	Topics  int
	DataLen int
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode guardian log (topics=%d, data=%d bytes): %v", e.Topics, e.DataLen, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Dispatch selects how the event type of a log is determined.
type Dispatch string

const (
	// DispatchAuto matches topic0 against known signatures and falls back to
	// payload width when topic0 is unknown.
	DispatchAuto Dispatch = "auto"
	// DispatchSignature requires a known topic0.
	DispatchSignature Dispatch = "signature"
	// DispatchLength picks the event purely by payload width, widest first.
	DispatchLength Dispatch = "length"
)

// ParseDispatch validates a configured dispatch mode.
func ParseDispatch(s string) (Dispatch, error) {
	switch d := Dispatch(strings.ToLower(strings.TrimSpace(s))); d {
	case DispatchAuto, DispatchSignature, DispatchLength:
		return d, nil
	case "":
		return DispatchAuto, nil
	default:
		return "", fmt.Errorf("unknown decoder dispatch %q", s)
	}
}

type shape struct {
	event abi.Event
	words int
	kind  alert.Kind
}

// EventID returns the topic0 signature hash for a kind.
func EventID(kind alert.Kind) (common.Hash, bool) {
	for _, s := range shapes {
		if s.kind == kind {
			return s.event.ID, true
		}
	}
	return common.Hash{}, false
}

// Decoder maps raw guardian logs to alerts. It holds no mutable state.
type Decoder struct {
	dispatch Dispatch
}

// New constructs a decoder for the given dispatch mode.
func New(dispatch Dispatch) *Decoder {
	if dispatch == "" {
		dispatch = DispatchAuto
	}
	return &Decoder{dispatch: dispatch}
}

// DecodeLog decodes a go-ethereum log.
func (d *Decoder) DecodeLog(l types.Log) (alert.Alert, error) {
	return d.Decode(l.Topics, l.Data)
}

// Decode turns one log into exactly one alert or returns a *DecodeError.
func (d *Decoder) Decode(topics []common.Hash, data []byte) (alert.Alert, error) {
	fail := func(err error) (alert.Alert, error) {
		return alert.Alert{}, &DecodeError{Topics: len(topics), DataLen: len(data), Err: err}
	}

	if len(topics) < 2 {
		return fail(ErrTooFewTopics)
	}

	s, err := d.selectShape(topics[0], len(data))
	if err != nil {
		return fail(err)
	}

	a, err := decodeShape(s, topics[1], data)
	if err != nil {
		return fail(err)
	}
	return a, nil
}

func (d *Decoder) selectShape(topic0 common.Hash, dataLen int) (shape, error) {
	if d.dispatch != DispatchLength {
		for _, s := range shapes {
			if s.event.ID != topic0 {
				continue
			}
			if dataLen != s.words*wordSize {
				return shape{}, fmt.Errorf("%w: %s expects %d bytes", ErrUnknownShape, s.event.Name, s.words*wordSize)
			}
			return s, nil
		}
		if d.dispatch == DispatchSignature {
			return shape{}, fmt.Errorf("%w: %s", ErrSignatureMismatch, topic0.Hex())
		}
	}

	for _, s := range shapes {
		if dataLen == s.words*wordSize {
			return s, nil
		}
	}
	return shape{}, ErrUnknownShape
}

func decodeShape(s shape, subjectTopic common.Hash, data []byte) (alert.Alert, error) {
	values, err := s.event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return alert.Alert{}, fmt.Errorf("%w: %v", ErrMalformedField, err)
	}
	if len(values) != s.words {
		return alert.Alert{}, fmt.Errorf("%w: expected %d values, got %d", ErrMalformedField, s.words, len(values))
	}

	words := make([]*big.Int, len(values))
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok || n == nil {
			return alert.Alert{}, fmt.Errorf("%w: word %d is %T", ErrMalformedField, i, v)
		}
		words[i] = n
	}

	observedAt, err := chainTime(words[len(words)-1])
	if err != nil {
		return alert.Alert{}, err
	}

	// The indexed address occupies the low 20 bytes of its topic.
	a := alert.Alert{
		Kind:         s.kind,
		Subject:      common.BytesToAddress(subjectTopic.Bytes()),
		HealthFactor: fromBaseUnits(words[0]),
		ObservedAt:   observedAt,
	}

	switch s.kind {
	case alert.Critical:
		a.CollateralValue = fromBaseUnits(words[1])
		a.BorrowedAmount = fromBaseUnits(words[2])
		a.RequiredTopUp = decimal.NewNullDecimal(fromBaseUnits(words[3]))
	case alert.Warning:
		a.CollateralValue = fromBaseUnits(words[1])
		a.BorrowedAmount = fromBaseUnits(words[2])
	case alert.Safe:
		a.CollateralValue = decimal.Zero
		a.BorrowedAmount = decimal.Zero
	}
	return a, nil
}

func fromBaseUnits(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -tokenDecimals)
}

func chainTime(v *big.Int) (time.Time, error) {
	if !v.IsInt64() || v.Int64() > maxUnixSeconds {
		return time.Time{}, fmt.Errorf("%w: timestamp %s out of range", ErrMalformedField, v.String())
	}
	return time.Unix(v.Int64(), 0).UTC(), nil
}

// maxUnixSeconds keeps UnixMilli from overflowing.
const maxUnixSeconds = (1<<63 - 1) / 1000
