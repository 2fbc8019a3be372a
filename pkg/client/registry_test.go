package client_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelget/modelget/pkg/client"
)

func TestRegistryBuildsLazily(t *testing.T) {
	reg := client.NewRegistry(client.DefaultConfig())
	defer reg.Close()

	assert.Equal(t, uint64(0), reg.Generation())
	first, err := reg.Get()
	require.NoError(t, err)
	second, err := reg.Get()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, uint64(1), reg.Generation())
}

func TestRegistryKeyOnlyChangeKeepsClient(t *testing.T) {
	cfg := client.DefaultConfig()
	cfg.APIKey = "one"
	reg := client.NewRegistry(cfg)
	defer reg.Close()

	before, err := reg.Get()
	require.NoError(t, err)

	cfg.APIKey = "two"
	require.NoError(t, reg.Configure(cfg))
	after, err := reg.Get()
	require.NoError(t, err)
	assert.Same(t, before, after)
	assert.Equal(t, "two", after.APIKey())

	reg.UpdateAPIKey("three")
	assert.Equal(t, "three", after.APIKey())
	assert.Equal(t, uint64(1), reg.Generation())
}

func TestRegistryRebuildsOnTransportSettings(t *testing.T) {
	tc := []struct {
		name   string
		mutate func(*client.Config)
	}{
		{name: "timeout", mutate: func(c *client.Config) { c.Timeout = time.Minute }},
		{name: "retries", mutate: func(c *client.Config) { c.Retry.MaxRetries = 9 }},
		{name: "retry statuses", mutate: func(c *client.Config) { c.Retry.RetryableStatuses = []int{http.StatusConflict} }},
		{name: "resolve", mutate: func(c *client.Config) {
			c.ResolveOverrides = map[string]string{"example.com:443": "127.0.0.1:443"}
		}},
		{name: "transport", mutate: func(c *client.Config) { c.Transport = httpmock.NewMockTransport() }},
	}
	for _, tc := range tc {
		t.Run(tc.name, func(t *testing.T) {
			cfg := client.DefaultConfig()
			reg := client.NewRegistry(cfg)
			defer reg.Close()

			before, err := reg.Get()
			require.NoError(t, err)

			tc.mutate(&cfg)
			require.NoError(t, reg.Configure(cfg))
			after, err := reg.Get()
			require.NoError(t, err)
			assert.NotSame(t, before, after)
			assert.Equal(t, uint64(2), reg.Generation())
		})
	}
}

func TestRegistryConfigureBeforeGet(t *testing.T) {
	reg := client.NewRegistry(client.DefaultConfig())
	defer reg.Close()

	cfg := client.DefaultConfig()
	cfg.APIKey = "late"
	cfg.Timeout = 5 * time.Second
	require.NoError(t, reg.Configure(cfg))

	c, err := reg.Get()
	require.NoError(t, err)
	assert.Equal(t, "late", c.APIKey())
	assert.Equal(t, 5*time.Second, c.Config().Timeout)
}

func TestRegistryRejectsInvalidConfig(t *testing.T) {
	reg := client.NewRegistry(client.DefaultConfig())
	defer reg.Close()

	cfg := client.DefaultConfig()
	cfg.Retry.MaxRetries = -1
	assert.Error(t, reg.Configure(cfg))
}

func TestRegistryClose(t *testing.T) {
	reg := client.NewRegistry(client.DefaultConfig())
	_, err := reg.Get()
	require.NoError(t, err)
	reg.Close()
	_, err = reg.Get()
	assert.Error(t, err)
}

func TestRegistryClientIsUsable(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, testURL, httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]bool{"ok": true}))

	cfg := client.Config{Retry: fastPolicy(0), Transport: transport, APIKey: "k"}
	reg := client.NewRegistry(cfg)
	defer reg.Close()

	c, err := reg.Get()
	require.NoError(t, err)
	var out map[string]bool
	require.NoError(t, c.GetJSON(context.Background(), testURL, nil, &out))
	assert.True(t, out["ok"])
}
