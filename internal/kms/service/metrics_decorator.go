package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
	"github.com/allisson/autoencrypt/internal/metrics"
)

// keyUnwrapperWithMetrics decorates KeyUnwrapper with metrics instrumentation.
type keyUnwrapperWithMetrics struct {
	next    KeyUnwrapper
	metrics metrics.BusinessMetrics
}

// NewKeyUnwrapperWithMetrics wraps a KeyUnwrapper with metrics recording.
func NewKeyUnwrapperWithMetrics(next KeyUnwrapper, m metrics.BusinessMetrics) KeyUnwrapper {
	return &keyUnwrapperWithMetrics{next: next, metrics: m}
}

// Unwrap records metrics for data key unwrap operations.
func (k *keyUnwrapperWithMetrics) Unwrap(
	ctx context.Context,
	keyID uuid.UUID,
	masterKey kmsDomain.MasterKey,
	wrapped []byte,
) ([]byte, error) {
	start := time.Now()
	key, err := k.next.Unwrap(ctx, keyID, masterKey, wrapped)
	metrics.Observe(ctx, k.metrics, "kms", "unwrap", start, err)
	return key, err
}
