package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorKind is the retry bucket of a chain error.
type ErrorKind int

const (
	Transient ErrorKind = iota
	RateLimited
	Permanent
	Fatal
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a chain client failure tagged with its ErrorKind.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind carried by err. Errors that never passed
// through the adapter are treated as transient.
func KindOf(err error) ErrorKind {
	var chainErr *Error
	if errors.As(err, &chainErr) {
		return chainErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	return Transient
}

// JSON-RPC error codes seen across providers.
const (
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeLimitExceeded  = -32005
)

var rangeMessages = []string{
	"block range",
	"range too large",
	"range is too large",
	"query returned more than",
	"too many results",
	"response size exceeded",
	"log response size",
	"exceed maximum block range",
	"logs matched by query exceeds",
}

var rateLimitMessages = []string{
	"rate limit",
	"too many requests",
	"exceeded the quota",
	"request limit",
	"compute units",
	"throughput",
}

// wrap tags err with a kind. It is the only place provider error text is inspected.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var chainErr *Error
	if errors.As(err, &chainErr) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) ErrorKind {
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, rangeMessages) {
		return Permanent
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return RateLimited
		case httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden:
			return Fatal
		case httpErr.StatusCode >= 500:
			return Transient
		case httpErr.StatusCode >= 400:
			return Permanent
		}
	}

	if containsAny(msg, rateLimitMessages) {
		return RateLimited
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeLimitExceeded:
			return RateLimited
		case codeInvalidRequest, codeMethodNotFound, codeInvalidParams:
			return Permanent
		default:
			return Transient
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient
	}

	return Transient
}

func containsAny(msg string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
