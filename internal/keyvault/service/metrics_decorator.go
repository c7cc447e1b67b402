package service

import (
	"context"
	"time"

	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	"github.com/allisson/autoencrypt/internal/metrics"
)

// resolverWithMetrics decorates Resolver with metrics instrumentation.
type resolverWithMetrics struct {
	next    Resolver
	metrics metrics.BusinessMetrics
}

// NewResolverWithMetrics wraps a Resolver with metrics recording.
func NewResolverWithMetrics(next Resolver, m metrics.BusinessMetrics) Resolver {
	return &resolverWithMetrics{next: next, metrics: m}
}

// ResolveKey records metrics for key resolution, cache hits included.
func (r *resolverWithMetrics) ResolveKey(
	ctx context.Context,
	ref keyvaultDomain.KeyRef,
) (keyvaultDomain.DataKeyMaterial, error) {
	start := time.Now()
	material, err := r.next.ResolveKey(ctx, ref)
	metrics.Observe(ctx, r.metrics, "keyvault", "resolve_key", start, err)
	return material, err
}
