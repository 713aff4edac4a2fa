// Package chainerr maps provider and contract failures into a closed
// taxonomy of application-facing error kinds.
//
// The UI layer never sees raw provider payloads: everything that crosses
// the escrow core's boundary is translated here first. Unrecognized
// failures collapse to KindUnknownProvider with the original error kept
// for diagnostics.
package chainerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one member of the stable error taxonomy.
type Kind string

const (
	KindNoProviderFound       Kind = "no_provider_found"
	KindUserRejected          Kind = "user_rejected"
	KindNoAccountsAvailable   Kind = "no_accounts_available"
	KindWrongNetwork          Kind = "wrong_network"
	KindNetworkSwitchRejected Kind = "network_switch_rejected"
	KindNetworkUnregistrable  Kind = "network_unregistrable"
	KindInvalidParameters     Kind = "invalid_parameters"
	KindInsufficientFunds     Kind = "insufficient_funds"
	KindContractPrecondition  Kind = "contract_precondition_failed"
	KindOperationInProgress   Kind = "operation_in_progress"
	KindConfirmationTimeout   Kind = "confirmation_timeout"
	KindUnknownProvider       Kind = "unknown_provider_error"
)

// summary returns the human-readable summary used when the caller
// supplies none.
func (k Kind) summary() string {
	switch k {
	case KindNoProviderFound:
		return "no wallet provider is available"
	case KindUserRejected:
		return "the request was rejected in the wallet"
	case KindNoAccountsAvailable:
		return "the wallet has no accounts to connect"
	case KindWrongNetwork:
		return "the wallet is connected to the wrong network"
	case KindNetworkSwitchRejected:
		return "the network switch request was rejected"
	case KindNetworkUnregistrable:
		return "the target network could not be added to the wallet"
	case KindInvalidParameters:
		return "one or more parameters are invalid"
	case KindInsufficientFunds:
		return "the account balance cannot cover this transaction"
	case KindContractPrecondition:
		return "the contract rejected the call"
	case KindOperationInProgress:
		return "another operation on this escrow is still in flight"
	case KindConfirmationTimeout:
		return "the transaction was not confirmed in time"
	default:
		return "an unexpected provider error occurred"
	}
}

// Error is a translated failure. TxHash is set when the failure happened
// after broadcast, so callers can re-query instead of assuming failure.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "escrow.release"
	TxHash  string
	Summary string
	Raw     error // original provider/contract error, kept for logging
}

func (e *Error) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s: %s (tx: %s): %s", e.Op, e.Kind, e.TxHash, e.Summary)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Summary)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Summary)
}

func (e *Error) Unwrap() error { return e.Raw }

// New builds an Error of the given kind with the default summary.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op, Summary: kind.summary()}
}

// Wrap builds an Error of the given kind keeping raw for diagnostics.
func Wrap(kind Kind, op string, raw error) *Error {
	return &Error{Kind: kind, Op: op, Summary: kind.summary(), Raw: raw}
}

// KindOf extracts the taxonomy kind from err, or KindUnknownProvider
// when err is not a translated error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknownProvider
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// ProviderError is the structured error shape providers return, mirroring
// EIP-1193/JSON-RPC error objects.
type ProviderError struct {
	Code    int
	Message string
	Data    any
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// EIP-1193 and JSON-RPC codes the translator recognizes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
	CodeServerError       = -32000
	CodeInvalidInput      = -32600
	CodeExecutionRevert   = 3
)

// Translate maps an arbitrary provider/contract failure into the
// taxonomy. Already-translated errors pass through unchanged.
func Translate(op string, err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Code {
		case CodeUserRejected:
			return Wrap(KindUserRejected, op, err)
		case CodeUnauthorized, CodeDisconnected, CodeChainDisconnected:
			return Wrap(KindNoProviderFound, op, err)
		case CodeUnrecognizedChain:
			return Wrap(KindWrongNetwork, op, err)
		case CodeExecutionRevert:
			return Wrap(KindContractPrecondition, op, err)
		}
		if translated, ok := translateMessage(op, pe.Message, err); ok {
			return translated
		}
		return Wrap(KindUnknownProvider, op, err)
	}

	if translated, ok := translateMessage(op, err.Error(), err); ok {
		return translated
	}
	return Wrap(KindUnknownProvider, op, err)
}

// translateMessage recognizes the failure strings geth-family nodes emit
// where no structured code is available.
func translateMessage(op, msg string, raw error) (*Error, bool) {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient funds"),
		strings.Contains(lower, "insufficient balance"):
		return Wrap(KindInsufficientFunds, op, raw), true
	case strings.Contains(lower, "execution reverted"),
		strings.Contains(lower, "always failing transaction"),
		strings.Contains(lower, "revert"):
		return Wrap(KindContractPrecondition, op, raw), true
	case strings.Contains(lower, "user denied"),
		strings.Contains(lower, "user rejected"):
		return Wrap(KindUserRejected, op, raw), true
	}
	return nil, false
}
