package client_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/modelget/modelget/pkg/client"
)

func TestClassifyError(t *testing.T) {
	tc := []struct {
		name string
		err  error
		kind client.Kind
	}{
		{name: "canceled", err: fmt.Errorf("wrapped: %w", context.Canceled), kind: client.KindCanceled},
		{name: "deadline", err: context.DeadlineExceeded, kind: client.KindTimeout},
		{name: "dns timeout", err: &net.DNSError{IsTimeout: true}, kind: client.KindTimeout},
		{name: "dial", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, kind: client.KindNetwork},
		{name: "already classified", err: client.NewFileSystemError("open", errors.New("denied")), kind: client.KindFileSystem},
	}
	for _, tc := range tc {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, client.KindOf(client.ClassifyError("op", tc.err)))
		})
	}
	assert.NoError(t, client.ClassifyError("op", nil))
}

func TestErrorIsSentinels(t *testing.T) {
	err := fmt.Errorf("download: %w", client.NewIntegrityError("verify", "size %d != %d", 1, 2))
	assert.ErrorIs(t, err, client.ErrIntegrity)
	assert.NotErrorIs(t, err, client.ErrHTTP)
	assert.Equal(t, client.KindIntegrity, client.KindOf(err))
	assert.Contains(t, err.Error(), "size 1 != 2")

	httpErr := client.NewHTTPError("GET x", http.StatusPartialContent, "range mismatch")
	assert.ErrorIs(t, httpErr, client.ErrHTTP)
	assert.False(t, httpErr.Retryable())
	assert.Contains(t, httpErr.Error(), "status 206")
}

func TestRetryable(t *testing.T) {
	tc := []struct {
		err       *client.Error
		retryable bool
	}{
		{err: &client.Error{Kind: client.KindNetwork}, retryable: true},
		{err: &client.Error{Kind: client.KindTimeout}, retryable: true},
		{err: &client.Error{Kind: client.KindHTTP, Status: 503}, retryable: true},
		{err: &client.Error{Kind: client.KindHTTP, Status: 429}, retryable: true},
		{err: &client.Error{Kind: client.KindHTTP, Status: 404}, retryable: false},
		{err: &client.Error{Kind: client.KindAuthentication, Status: 401}, retryable: false},
		{err: &client.Error{Kind: client.KindParse}, retryable: false},
		{err: &client.Error{Kind: client.KindFileSystem}, retryable: false},
	}
	for _, tc := range tc {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.retryable, tc.err.Retryable())
			assert.Equal(t, tc.retryable, client.IsRetryable(tc.err))
		})
	}
	assert.False(t, client.IsRetryable(errors.New("plain")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "timeout", client.KindTimeout.String())
	assert.Equal(t, "kind(99)", client.Kind(99).String())
}
