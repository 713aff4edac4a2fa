// Package params validates and sanitizes escrow parameters before any
// network call, and converts amounts between decimal strings and the
// chain's integer base-unit representation.
package params

import (
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// MaxAmountLength bounds amount strings. Anything longer is almost
	// certainly a display string passed into the wrong field.
	MaxAmountLength = 32

	// MaxTitleLength bounds the escrow display title.
	MaxTitleLength = 200

	// MaxEscrowIDLength bounds the opaque escrow identifier.
	MaxEscrowIDLength = 128

	// NativeDecimals is the precision of the native currency (AVAX).
	NativeDecimals = 18

	// FarDeadline is how far out a deadline triggers a warning.
	FarDeadline = 365 * 24 * time.Hour
)

var addressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// FieldError is a single blocking validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }

// EscrowParams are raw caller-supplied escrow parameters.
type EscrowParams struct {
	EscrowID   string    `json:"escrowId"`
	Client     string    `json:"client"`
	Freelancer string    `json:"freelancer"`
	Amount     any       `json:"amount"` // numeric type or numeric string
	Title      string    `json:"title"`
	Deadline   time.Time `json:"deadline"`
}

// Sanitized is a parameter set that passed validation and is ready for
// submission.
type Sanitized struct {
	EscrowID   string
	Client     common.Address
	Freelancer common.Address
	Amount     string   // canonical decimal string
	AmountBase *big.Int // base-unit integer
	Title      string
	Deadline   time.Time
}

// Result aggregates a full validation pass. It is always returned by
// value: validation failures are data, not Go errors, so callers can
// render every problem at once.
type Result struct {
	Errors    []FieldError `json:"errors,omitempty"`
	Warnings  []string     `json:"warnings,omitempty"`
	Sanitized *Sanitized   `json:"-"`
}

// OK reports whether the parameters may be submitted.
func (r Result) OK() bool { return len(r.Errors) == 0 }

// Validator validates escrow parameters against a token's precision and
// the marketplace's plausibility thresholds.
type Validator struct {
	// Decimals is the token's declared decimal precision.
	Decimals int

	// LargeAmountWarn is the decimal amount at or above which a
	// non-blocking warning is raised. Empty disables the check.
	LargeAmountWarn string

	// Now is overridable in tests.
	Now func() time.Time
}

// NewValidator returns a validator for the native currency.
func NewValidator() *Validator {
	return &Validator{Decimals: NativeDecimals, LargeAmountWarn: "1000", Now: time.Now}
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// ValidateAddress checks that value is a syntactically well-formed
// address and returns it normalized to lower case.
func ValidateAddress(value string) (string, error) {
	addr := strings.TrimSpace(value)
	if addr == "" {
		return "", fmt.Errorf("address is required")
	}
	if !addressRegex.MatchString(addr) {
		return "", fmt.Errorf("must be a valid address (0x + 40 hex chars)")
	}
	return strings.ToLower(addr), nil
}

// ValidateAmount accepts a numeric type or a numeric string and returns
// the canonical positive decimal string.
//
// Alphabetic characters and over-long strings are rejected outright: a
// recurring defect class upstream was a job title landing in the amount
// field, and that must fail before it costs gas.
func (v *Validator) ValidateAmount(value any) (string, error) {
	var s string
	switch n := value.(type) {
	case string:
		s = strings.TrimSpace(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return "", fmt.Errorf("amount must be a finite number")
		}
		s = strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return v.ValidateAmount(float64(n))
	case int:
		s = strconv.Itoa(n)
	case int64:
		s = strconv.FormatInt(n, 10)
	case uint64:
		s = strconv.FormatUint(n, 10)
	case *big.Int:
		if n == nil {
			return "", fmt.Errorf("amount is required")
		}
		s = n.String()
	case nil:
		return "", fmt.Errorf("amount is required")
	default:
		return "", fmt.Errorf("amount must be a number or numeric string")
	}

	if s == "" {
		return "", fmt.Errorf("amount is required")
	}
	if len(s) > MaxAmountLength {
		return "", fmt.Errorf("amount exceeds %d characters; was a display string passed by mistake?", MaxAmountLength)
	}

	dots := 0
	for i, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c == '.':
			dots++
			if dots > 1 || i == 0 || i == len(s)-1 {
				return "", fmt.Errorf("invalid amount format")
			}
		default:
			// Covers alphabetic characters, signs, whitespace, commas.
			return "", fmt.Errorf("amount contains non-numeric character %q", c)
		}
	}

	base, err := FormatForChain(s, v.Decimals)
	if err != nil {
		return "", err
	}
	if base.Sign() <= 0 {
		return "", fmt.Errorf("amount must be greater than zero")
	}
	return FormatFromChain(base, v.Decimals), nil
}

// ValidateDeadline checks that value is strictly in the future.
func (v *Validator) ValidateDeadline(value time.Time) error {
	if value.IsZero() {
		return fmt.Errorf("deadline is required")
	}
	if !value.After(v.now()) {
		return fmt.Errorf("deadline must be in the future")
	}
	return nil
}

// ValidateEscrowParams runs the full validation pass. It never returns a
// Go error: hard failures land in Result.Errors, soft concerns in
// Result.Warnings, and Result.Sanitized is populated only when there are
// no hard failures.
func (v *Validator) ValidateEscrowParams(p EscrowParams) Result {
	var res Result
	fail := func(field, msg string) {
		res.Errors = append(res.Errors, FieldError{Field: field, Message: msg})
	}

	id := strings.TrimSpace(p.EscrowID)
	if id == "" {
		fail("escrowId", "is required")
	} else if len(id) > MaxEscrowIDLength {
		fail("escrowId", "exceeds maximum length")
	}

	client, err := ValidateAddress(p.Client)
	if err != nil {
		fail("client", err.Error())
	}
	freelancer, err := ValidateAddress(p.Freelancer)
	if err != nil {
		fail("freelancer", err.Error())
	}
	if client != "" && client == freelancer {
		fail("freelancer", "client and freelancer must be different addresses")
	}

	amount, err := v.ValidateAmount(p.Amount)
	if err != nil {
		fail("amount", err.Error())
	}

	if err := v.ValidateDeadline(p.Deadline); err != nil {
		fail("deadline", err.Error())
	} else if p.Deadline.Sub(v.now()) > FarDeadline {
		res.Warnings = append(res.Warnings, "deadline is more than a year away")
	}

	title := strings.TrimSpace(strings.ReplaceAll(p.Title, "\x00", ""))
	if len(title) > MaxTitleLength {
		fail("title", "exceeds maximum length")
	}

	if !res.OK() {
		return res
	}

	base, _ := FormatForChain(amount, v.Decimals)
	if v.LargeAmountWarn != "" {
		if warn, err := FormatForChain(v.LargeAmountWarn, v.Decimals); err == nil && base.Cmp(warn) >= 0 {
			res.Warnings = append(res.Warnings, "amount is unusually large; double-check before submitting")
		}
	}

	res.Sanitized = &Sanitized{
		EscrowID:   id,
		Client:     common.HexToAddress(client),
		Freelancer: common.HexToAddress(freelancer),
		Amount:     amount,
		AmountBase: base,
		Title:      title,
		Deadline:   p.Deadline,
	}
	return res
}

// FormatForChain converts a decimal string to the integer base-unit
// representation at the given precision. Digits beyond the precision are
// rejected rather than silently truncated.
func FormatForChain(amount string, decimals int) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}

	parts := strings.Split(amount, ".")
	var whole, frac string
	switch len(parts) {
	case 1:
		whole = parts[0]
	case 2:
		whole, frac = parts[0], parts[1]
	default:
		return nil, fmt.Errorf("invalid amount format")
	}
	if whole == "" {
		whole = "0"
	}

	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid whole number")
	}
	if wholeBig.Sign() < 0 {
		return nil, fmt.Errorf("negative amounts are not allowed")
	}

	if len(frac) > decimals {
		return nil, fmt.Errorf("more than %d decimal places", decimals)
	}

	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	result := new(big.Int).Mul(wholeBig, multiplier)

	if frac != "" {
		padded := frac + strings.Repeat("0", decimals-len(frac))
		fracBig, ok := new(big.Int).SetString(padded, 10)
		if !ok {
			return nil, fmt.Errorf("invalid decimal part")
		}
		result.Add(result, fracBig)
	}

	return result, nil
}

// FormatFromChain converts a base-unit integer to the canonical decimal
// string: no trailing fractional zeros, no decimal point for whole
// values. Any output of this function round-trips exactly through
// FormatForChain.
func FormatFromChain(amount *big.Int, decimals int) string {
	if amount == nil || amount.Sign() == 0 {
		return "0"
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int).Div(amount, divisor)
	rem := new(big.Int).Mod(amount, divisor)

	if rem.Sign() == 0 {
		return whole.String()
	}

	frac := rem.String()
	for len(frac) < decimals {
		frac = "0" + frac
	}
	frac = strings.TrimRight(frac, "0")
	return whole.String() + "." + frac
}
