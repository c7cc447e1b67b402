package usecase

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/allisson/autoencrypt/internal/metrics"
)

// rewriterWithMetrics decorates Rewriter with metrics instrumentation.
type rewriterWithMetrics struct {
	next    Rewriter
	metrics metrics.BusinessMetrics
}

// NewRewriterWithMetrics wraps a Rewriter with metrics recording.
func NewRewriterWithMetrics(next Rewriter, m metrics.BusinessMetrics) Rewriter {
	return &rewriterWithMetrics{next: next, metrics: m}
}

// EncryptCommand records metrics for command encryption.
func (r *rewriterWithMetrics) EncryptCommand(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	start := time.Now()
	out, err := r.next.EncryptCommand(ctx, db, cmd)
	metrics.Observe(ctx, r.metrics, "encryption", "encrypt_command", start, err)
	return out, err
}

// DecryptResult records metrics for result decryption.
func (r *rewriterWithMetrics) DecryptResult(ctx context.Context, doc bson.D) (bson.D, error) {
	start := time.Now()
	out, err := r.next.DecryptResult(ctx, doc)
	metrics.Observe(ctx, r.metrics, "encryption", "decrypt_result", start, err)
	return out, err
}
