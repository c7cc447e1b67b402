package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
)

// Options configures retries and rate limiting for Service.
type Options struct {
	// MaxRetries is the number of retries after the first attempt for transient failures.
	MaxRetries int

	// InitialInterval is the first backoff delay; later delays grow exponentially.
	InitialInterval time.Duration

	// RequestsPerSec limits provider calls across all providers. Zero or negative disables the limit.
	RequestsPerSec float64

	// Burst is the limiter bucket size.
	Burst int
}

// Service dispatches wrap and unwrap requests to the provider named by the master key.
//
// Every provider call waits on a shared rate limiter. Transient failures are retried with
// exponential backoff up to MaxRetries; every other failure is returned immediately. Errors
// wrap ErrKMSUnwrap or ErrKMSWrap together with the data key id and the provider's cause.
type Service struct {
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewService creates a Service with the given providers registered.
func NewService(opts Options, logger *slog.Logger, providers ...Provider) *Service {
	limit := rate.Inf
	if opts.RequestsPerSec > 0 {
		limit = rate.Limit(opts.RequestsPerSec)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 100 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	s := &Service{
		opts:      opts,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
		providers: make(map[string]Provider, len(providers)),
	}
	for _, p := range providers {
		s.Register(p)
	}
	return s
}

// Register adds or replaces a provider under its Name.
func (s *Service) Register(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.Name()] = p
}

// Providers returns the registered provider names.
func (s *Service) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	return names
}

// Unwrap decrypts the wrapped material of data key keyID.
func (s *Service) Unwrap(
	ctx context.Context,
	keyID uuid.UUID,
	masterKey kmsDomain.MasterKey,
	wrapped []byte,
) ([]byte, error) {
	key, err := s.do(ctx, "unwrap", keyID, masterKey, func(ctx context.Context, p Provider) ([]byte, error) {
		return p.Unwrap(ctx, masterKey, wrapped)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: key %s: %w", kmsDomain.ErrKMSUnwrap, keyID, err)
	}
	return key, nil
}

// Wrap encrypts the raw material of data key keyID.
func (s *Service) Wrap(
	ctx context.Context,
	keyID uuid.UUID,
	masterKey kmsDomain.MasterKey,
	key []byte,
) ([]byte, error) {
	wrapped, err := s.do(ctx, "wrap", keyID, masterKey, func(ctx context.Context, p Provider) ([]byte, error) {
		return p.Wrap(ctx, masterKey, key)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: key %s: %w", kmsDomain.ErrKMSWrap, keyID, err)
	}
	return wrapped, nil
}

// Close closes every provider that holds resources (keepers, clients).
func (s *Service) Close() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error
	for _, p := range s.providers {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) provider(name string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", kmsDomain.ErrUnknownProvider, name)
	}
	return p, nil
}

func (s *Service) do(
	ctx context.Context,
	operation string,
	keyID uuid.UUID,
	masterKey kmsDomain.MasterKey,
	fn func(ctx context.Context, p Provider) ([]byte, error),
) ([]byte, error) {
	p, err := s.provider(masterKey.Provider)
	if err != nil {
		return nil, err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.opts.InitialInterval
	expBackoff.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(expBackoff, uint64(s.opts.MaxRetries)),
		ctx,
	)

	var out []byte
	err = backoff.RetryNotify(
		func() error {
			if err := s.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
			res, err := fn(ctx, p)
			if err != nil {
				if isTransient(err) {
					return err
				}
				return backoff.Permanent(err)
			}
			out = res
			return nil
		},
		policy,
		func(err error, next time.Duration) {
			s.logger.Warn("kms request failed, retrying",
				slog.String("operation", operation),
				slog.String("provider", p.Name()),
				slog.String("key_id", keyID.String()),
				slog.Duration("backoff", next),
				slog.Any("error", err),
			)
		},
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}
