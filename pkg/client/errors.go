package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a failure so callers can decide what to do with it without
// inspecting transport internals.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTimeout
	KindHTTP
	KindAuthentication
	KindParse
	KindFileSystem
	KindIntegrity
	KindCanceled
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindNetwork:        "network",
	KindTimeout:        "timeout",
	KindHTTP:           "http",
	KindAuthentication: "authentication",
	KindParse:          "parse",
	KindFileSystem:     "filesystem",
	KindIntegrity:      "integrity",
	KindCanceled:       "canceled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is comparisons against an *Error.
var (
	ErrNetwork        = errors.New("network error")
	ErrTimeout        = errors.New("timeout")
	ErrHTTP           = errors.New("http error")
	ErrAuthentication = errors.New("authentication failed")
	ErrParse          = errors.New("parse error")
	ErrFileSystem     = errors.New("filesystem error")
	ErrIntegrity      = errors.New("integrity check failed")

	errStalled = errors.New("no data received within timeout")
)

var kindSentinels = map[Kind]error{
	KindNetwork:        ErrNetwork,
	KindTimeout:        ErrTimeout,
	KindHTTP:           ErrHTTP,
	KindAuthentication: ErrAuthentication,
	KindParse:          ErrParse,
	KindFileSystem:     ErrFileSystem,
	KindIntegrity:      ErrIntegrity,
	KindCanceled:       context.Canceled,
}

// maxErrorBody bounds how much of an error response body is kept.
const maxErrorBody = 4096

// Error is the single error type returned by the client and the downloaders.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "GET https://host/path".
	Op string
	// Status and Body are set for KindHTTP and KindAuthentication.
	Status int
	Body   string
	Header http.Header
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind, so errors.Is(err, ErrTimeout)
// works through any amount of wrapping.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// Retryable reports whether repeating the operation may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindHTTP:
		return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
	default:
		return false
	}
}

// KindOf returns the Kind of err, or KindUnknown when err is not classified.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// NewFileSystemError wraps a local I/O failure.
func NewFileSystemError(op string, err error) *Error {
	return &Error{Kind: KindFileSystem, Op: op, Err: err}
}

// NewIntegrityError reports content that does not match what was expected.
func NewIntegrityError(op string, format string, args ...any) *Error {
	return &Error{Kind: KindIntegrity, Op: op, Err: fmt.Errorf(format, args...)}
}

// NewHTTPError reports a protocol-level problem with a response that has an
// acceptable status, such as an inconsistent Content-Range.
func NewHTTPError(op string, status int, format string, args ...any) *Error {
	return &Error{Kind: KindHTTP, Op: op, Status: status, Err: fmt.Errorf(format, args...)}
}

// ClassifyError turns a transport error into an *Error. Errors that are
// already classified are returned as is.
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, Op: op, Err: err}
	case isTimeout(err):
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	default:
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errStalled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// statusError consumes and closes resp.Body.
func statusError(op string, resp *http.Response) *Error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	kind := KindHTTP
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		kind = KindAuthentication
	}
	return &Error{
		Kind:   kind,
		Op:     op,
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
		Header: resp.Header,
		Err:    errors.New(http.StatusText(resp.StatusCode)),
	}
}
