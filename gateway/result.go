package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"order-replicator-go/order"
)

// Kind classifies a failed broker call.
type Kind string

const (
	KindRateLimited    Kind = "RATE_LIMITED"
	KindMarginRejected Kind = "MARGIN_REJECTED"
	KindInvalidParams  Kind = "INVALID_PARAMS"
	KindTransient      Kind = "TRANSIENT"
	KindCircuitOpen    Kind = "CIRCUIT_OPEN"
	KindFatal          Kind = "FATAL"
	KindAlreadyFilled  Kind = "ALREADY_FILLED"
	KindNotFound       Kind = "NOT_FOUND"
	KindDuplicate      Kind = "DUPLICATE"
	KindAuth           Kind = "AUTH"
)

// Retryable reports whether the outbound layer may retry the call itself.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Error is the single failure shape returned by the broker boundary.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Unknown is set when the call may have reached the broker (timeouts).
	Unknown bool
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind of err, TRANSIENT for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindTransient
}

// IsKind reports whether err is a gateway error of kind k.
func IsKind(err error, k Kind) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == k
}

// Result is the success shape of place/modify/cancel calls.
type Result struct {
	OrderID string
	Status  order.SourceStatus
}

type apiErrorBody struct {
	ErrorType    string `json:"errorType"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// 券商错误码 → Kind
var codeKinds = map[string]Kind{
	"DH-904": KindRateLimited,
	"DH-901": KindAuth,
	"DH-902": KindAuth,
	"DH-905": KindInvalidParams,
	"DH-906": KindInvalidParams,
	"DH-907": KindInvalidParams,
	"DH-908": KindTransient,
	"DH-910": KindTransient,
	"MARGIN": KindMarginRejected,
	"FILLED": KindAlreadyFilled,
	"DUPCID": KindDuplicate,
}

// Classify converts a raw HTTP outcome into a gateway error. It is the only
// place broker responses are interpreted; callers never inspect bodies.
// A nil return means the response was a success.
func Classify(status int, body []byte, callErr error) error {
	if callErr != nil {
		return classifyTransport(callErr)
	}
	if status >= 200 && status < 300 {
		return nil
	}
	var eb apiErrorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.ErrorMessage
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if k, ok := codeKinds[eb.ErrorCode]; ok {
		return &Error{Kind: k, Code: eb.ErrorCode, Message: msg}
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient") && strings.Contains(lower, "margin"),
		strings.Contains(lower, "insufficient funds"):
		return &Error{Kind: KindMarginRejected, Code: eb.ErrorCode, Message: msg}
	case strings.Contains(lower, "already traded"), strings.Contains(lower, "already executed"),
		strings.Contains(lower, "already filled"):
		return &Error{Kind: KindAlreadyFilled, Code: eb.ErrorCode, Message: msg}
	case strings.Contains(lower, "duplicate correlation"):
		return &Error{Kind: KindDuplicate, Code: eb.ErrorCode, Message: msg}
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Code: eb.ErrorCode, Message: msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Code: eb.ErrorCode, Message: msg}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Code: eb.ErrorCode, Message: msg}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &Error{Kind: KindTransient, Code: eb.ErrorCode, Message: msg, Unknown: true}
	case status >= 500:
		return &Error{Kind: KindTransient, Code: eb.ErrorCode, Message: msg, Unknown: true}
	case status >= 400:
		return &Error{Kind: KindInvalidParams, Code: eb.ErrorCode, Message: msg}
	}
	return &Error{Kind: KindFatal, Code: eb.ErrorCode, Message: msg}
}

func classifyTransport(err error) error {
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransient, Message: "request cancelled", Unknown: true, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Message: "request timed out", Unknown: true, Err: err}
	}
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" && !op.Timeout() {
		return &Error{Kind: KindTransient, Message: err.Error(), Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTransient, Message: "request timed out", Unknown: true, Err: err}
	}
	return &Error{Kind: KindTransient, Message: err.Error(), Unknown: true, Err: err}
}
