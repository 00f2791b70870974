package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Kind classifies a guardian risk assessment.
type Kind int

const (
	Warning Kind = iota + 1
	Critical
	Safe
)

var (
	// ErrInvalidSubject indicates a subject that is not a 20-byte hex address.
	ErrInvalidSubject = errors.New("alert: subject must be a 20-byte hex address")
	// ErrUnknownKind indicates an unrecognised kind name.
	ErrUnknownKind = errors.New("alert: unknown kind")
)

func (k Kind) String() string {
	switch k {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Safe:
		return "safe"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Severity orders kinds for threshold filtering: safe < warning < critical.
func (k Kind) Severity() int {
	switch k {
	case Safe:
		return 0
	case Warning:
		return 1
	case Critical:
		return 2
	default:
		return -1
	}
}

// ParseKind maps a wire name back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning":
		return Warning, nil
	case "critical":
		return Critical, nil
	case "safe":
		return Safe, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Alert is a single decoded guardian event. Values are immutable once built.
type Alert struct {
	Kind            Kind
	Subject         common.Address
	HealthFactor    decimal.Decimal
	CollateralValue decimal.Decimal
	BorrowedAmount  decimal.Decimal
	RequiredTopUp   decimal.NullDecimal
	// ObservedAt is the chain timestamp carried by the event, not relay time.
	ObservedAt time.Time
}

// SubjectHex renders the subject as lowercase 0x-prefixed hex.
func (a Alert) SubjectHex() string {
	return FormatSubject(a.Subject)
}

// Validate checks the cross-field invariants of an alert.
func (a Alert) Validate() error {
	switch a.Kind {
	case Warning, Critical, Safe:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(a.Kind))
	}

	if a.Kind == Critical && !a.RequiredTopUp.Valid {
		return errors.New("alert: critical alert requires requiredTopUp")
	}
	if a.Kind != Critical && a.RequiredTopUp.Valid {
		return fmt.Errorf("alert: %s alert cannot carry requiredTopUp", a.Kind)
	}
	if a.Kind == Safe && (!a.CollateralValue.IsZero() || !a.BorrowedAmount.IsZero()) {
		return errors.New("alert: safe alert must have zero collateral and borrow values")
	}

	for name, v := range map[string]decimal.Decimal{
		"healthFactor":    a.HealthFactor,
		"collateralValue": a.CollateralValue,
		"borrowedAmount":  a.BorrowedAmount,
	} {
		if v.IsNegative() {
			return fmt.Errorf("alert: %s cannot be negative", name)
		}
	}
	if a.RequiredTopUp.Valid && a.RequiredTopUp.Decimal.IsNegative() {
		return errors.New("alert: requiredTopUp cannot be negative")
	}
	return nil
}

// NormalizeSubject parses a hex address in any letter case.
func NormalizeSubject(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidSubject, s)
	}
	return common.HexToAddress(s), nil
}

// FormatSubject renders an address as lowercase 0x-prefixed hex.
func FormatSubject(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

type wireAlert struct {
	Type            string  `json:"type"`
	User            string  `json:"user"`
	HealthFactor    string  `json:"healthFactor"`
	CollateralValue string  `json:"collateralValue"`
	BorrowedAmount  string  `json:"borrowedAmount"`
	RequiredTopUp   *string `json:"requiredTopUp,omitempty"`
	Timestamp       int64   `json:"timestamp"`
}

// MarshalJSON encodes the dashboard wire shape.
func (a Alert) MarshalJSON() ([]byte, error) {
	w := wireAlert{
		Type:            a.Kind.String(),
		User:            a.SubjectHex(),
		HealthFactor:    a.HealthFactor.String(),
		CollateralValue: a.CollateralValue.String(),
		BorrowedAmount:  a.BorrowedAmount.String(),
		Timestamp:       a.ObservedAt.UnixMilli(),
	}
	if a.RequiredTopUp.Valid {
		topUp := a.RequiredTopUp.Decimal.String()
		w.RequiredTopUp = &topUp
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the dashboard wire shape.
func (a *Alert) UnmarshalJSON(data []byte) error {
	var w wireAlert
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	kind, err := ParseKind(w.Type)
	if err != nil {
		return err
	}
	subject, err := NormalizeSubject(w.User)
	if err != nil {
		return err
	}

	out := Alert{Kind: kind, Subject: subject, ObservedAt: time.UnixMilli(w.Timestamp).UTC()}
	if out.HealthFactor, err = parseDecimal("healthFactor", w.HealthFactor); err != nil {
		return err
	}
	if out.CollateralValue, err = parseDecimal("collateralValue", w.CollateralValue); err != nil {
		return err
	}
	if out.BorrowedAmount, err = parseDecimal("borrowedAmount", w.BorrowedAmount); err != nil {
		return err
	}
	if w.RequiredTopUp != nil {
		topUp, err := parseDecimal("requiredTopUp", *w.RequiredTopUp)
		if err != nil {
			return err
		}
		out.RequiredTopUp = decimal.NewNullDecimal(topUp)
	}

	*a = out
	return nil
}

func parseDecimal(field, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}
