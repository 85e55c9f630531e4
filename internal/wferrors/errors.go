// Package wferrors defines the gateway's error taxonomy so every
// component fails with a stable, classifiable kind instead of an
// opaque error string.
package wferrors

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway error for retry policy and HTTP-code mapping.
type Kind string

const (
	BadRequest       Kind = "ProcessingError.BadRequest"
	NoData           Kind = "ProcessingError.NoData"
	NotFound         Kind = "ProcessingError.NotFound"
	ResourceConflict Kind = "ProcessingError.ResourceConflict"
	NotAvailable     Kind = "ProcessingError.NotAvailable"
	NotImplemented   Kind = "ProcessingError.NotImplemented"

	MetaHeaderError Kind = "ProtocolError.MetaHeader"
	SignError       Kind = "ProtocolError.Sign"

	RpcTransport Kind = "RpcTransport"
	RpcRemote    Kind = "RpcRemote"
	Timeout      Kind = "Timeout"

	InsufficientFunds   Kind = "InsufficientFunds"
	TransactionRejected Kind = "TransactionRejected"
)

// retryable marks kinds the listener/account-sync loops may retry.
// Structural errors are never retried; transport errors are.
var retryable = map[Kind]bool{
	RpcTransport: true,
	RpcRemote:    true,
	Timeout:      true,
}

// GatewayError is the error type every component surfaces to the
// dispatcher. The Code mirrors the kind as a WF_API_* constant so HTTP
// callers (out of scope here) get a stable string.
type GatewayError struct {
	Kind    Kind
	Code    string
	Message string
	Causes  []error
}

func (e *GatewayError) Error() string {
	if len(e.Causes) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%d causes)", e.Code, e.Message, len(e.Causes))
}

func (e *GatewayError) Unwrap() []error {
	return e.Causes
}

// Retryable reports whether the loop driving a failed operation should
// retry instead of surfacing the error immediately.
func (e *GatewayError) Retryable() bool {
	return retryable[e.Kind]
}

func code(k Kind) string {
	switch k {
	case BadRequest:
		return "WF_API_BAD_REQUEST"
	case NoData:
		return "WF_API_NO_DATA"
	case NotFound:
		return "WF_API_NOT_FOUND"
	case ResourceConflict:
		return "WF_API_RESOURCE_CONFLICT"
	case NotAvailable:
		return "WF_API_NOT_AVAILABLE"
	case NotImplemented:
		return "WF_API_NOT_IMPLEMENTED"
	case MetaHeaderError:
		return "WF_API_METAHEADER"
	case SignError:
		return "WF_API_SIGN"
	case RpcTransport:
		return "WF_API_RPC_TRANSPORT"
	case RpcRemote:
		return "WF_API_RPC_REMOTE"
	case Timeout:
		return "WF_API_TIMEOUT"
	case InsufficientFunds:
		return "WF_API_INSUFFICIENT_FUNDS"
	case TransactionRejected:
		return "WF_API_TRANSACTION_REJECTED"
	default:
		return "WF_API_UNKNOWN"
	}
}

// New builds a GatewayError of the given kind, optionally wrapping causes.
func New(k Kind, message string, causes ...error) *GatewayError {
	return &GatewayError{Kind: k, Code: code(k), Message: message, Causes: causes}
}

func Wrap(k Kind, message string, cause error) *GatewayError {
	return New(k, message, cause)
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind == k
	}
	return false
}

func KindOf(err error) (Kind, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return "", false
}
