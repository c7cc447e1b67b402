package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, p *Provider) string {
	t.Helper()

	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestNewProvider(t *testing.T) {
	provider, err := NewProvider("autoencrypt")
	require.NoError(t, err)
	defer func() { assert.NoError(t, provider.Shutdown(context.Background())) }()

	assert.Equal(t, "autoencrypt", provider.Namespace())
	assert.NotNil(t, provider.MeterProvider())

	output := scrape(t, provider)
	assert.Contains(t, output, "go_goroutines")
	assert.NotContains(t, output, "target_info")
}

func TestProvider_ExportsBusinessMetrics(t *testing.T) {
	provider, err := NewProvider("provider_test")
	require.NoError(t, err)
	defer func() { assert.NoError(t, provider.Shutdown(context.Background())) }()

	bm, err := NewBusinessMetrics(provider.MeterProvider(), provider.Namespace())
	require.NoError(t, err)
	bm.RecordOperation(context.Background(), "kms", "unwrap", StatusUnavailable)

	assertBizMetricLine(t, scrape(t, provider),
		`provider_test_operations_total`,
		`domain="kms".*operation="unwrap".*status="unavailable"`,
		`1`,
	)
}

func TestProvider_Shutdown(t *testing.T) {
	t.Run("Success_ShutdownProvider", func(t *testing.T) {
		provider, err := NewProvider("shutdown_test")
		require.NoError(t, err)
		assert.NoError(t, provider.Shutdown(context.Background()))
	})

	t.Run("Success_ShutdownEmptyProvider", func(t *testing.T) {
		assert.NoError(t, (&Provider{}).Shutdown(context.Background()))
	})
}
