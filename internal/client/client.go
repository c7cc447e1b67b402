// Package client provides AutoEncryptionClient, the entry point applications use to run
// commands with automatic field-level encryption.
//
// A client owns the key cache, the schema registry, the KMS service and the session
// coordinator. Close releases all of them: it ends live sessions, closes KMS keepers and
// zeroes every cached data key.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
	cryptoService "github.com/allisson/autoencrypt/internal/crypto/service"
	"github.com/allisson/autoencrypt/internal/database"
	encryptionService "github.com/allisson/autoencrypt/internal/encryption/service"
	encryptionUsecase "github.com/allisson/autoencrypt/internal/encryption/usecase"
	"github.com/allisson/autoencrypt/internal/errors"
	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	keyvaultService "github.com/allisson/autoencrypt/internal/keyvault/service"
	keyvaultUsecase "github.com/allisson/autoencrypt/internal/keyvault/usecase"
	kmsService "github.com/allisson/autoencrypt/internal/kms/service"
	"github.com/allisson/autoencrypt/internal/metrics"
	schemaDomain "github.com/allisson/autoencrypt/internal/schema/domain"
	sessionService "github.com/allisson/autoencrypt/internal/session/service"
)

// ErrClientClosed indicates an operation on a closed client.
var ErrClientClosed = errors.Wrap(errors.ErrPrecondition, "client closed")

// KeyManagement wraps and unwraps data keys and releases provider resources on Close.
// *kmsService.Service implements it.
type KeyManagement interface {
	keyvaultUsecase.KeyWrapper
	Close() error
}

// Options configures an AutoEncryptionClient.
type Options struct {
	// Schemas maps namespaces to encryption schemas. Nil means no namespace is encrypted.
	Schemas *schemaDomain.Registry

	// KeyVault stores the data keys.
	KeyVault keyvaultUsecase.DataKeyRepository

	// TxManager makes data key rotation atomic. Nil runs rotations without a transaction.
	TxManager database.TxManager

	// KMS wraps and unwraps data keys.
	KMS KeyManagement

	// Dispatcher sends rewritten commands to the server.
	Dispatcher sessionService.Dispatcher

	// KeyCacheTTL is how long an unwrapped data key is reused. Zero selects
	// keyvaultService.DefaultKeyCacheTTL; a negative value disables caching.
	KeyCacheTTL time.Duration

	// BypassAutoEncryption sends commands unmodified while still decrypting replies.
	BypassAutoEncryption bool

	// MaxParallelKeyFetches bounds concurrent key resolutions per command. Zero means unbounded.
	MaxParallelKeyFetches int

	// Metrics records operation metrics when set.
	Metrics metrics.BusinessMetrics

	Logger *slog.Logger
}

// AutoEncryptionClient runs commands with automatic encryption of schema-designated fields
// and transparent decryption of every ciphertext in replies.
type AutoEncryptionClient struct {
	rewriter    encryptionUsecase.Rewriter
	resolver    keyvaultService.Resolver
	transform   cryptoService.Transform
	coordinator *sessionService.Coordinator
	dispatcher  sessionService.Dispatcher
	cache       *keyvaultService.KeyCache
	kms         KeyManagement
	dataKeys    keyvaultUsecase.DataKeyUseCase
	logger      *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates an AutoEncryptionClient.
func New(opts Options) (*AutoEncryptionClient, error) {
	if opts.KeyVault == nil || opts.KMS == nil || opts.Dispatcher == nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "key vault, kms and dispatcher are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ttl := opts.KeyCacheTTL
	if ttl == 0 {
		ttl = keyvaultService.DefaultKeyCacheTTL
	}
	cache, err := keyvaultService.NewKeyCache(ttl)
	if err != nil {
		return nil, err
	}

	var unwrapper kmsService.KeyUnwrapper = opts.KMS
	if opts.Metrics != nil {
		unwrapper = kmsService.NewKeyUnwrapperWithMetrics(unwrapper, opts.Metrics)
	}

	var resolver keyvaultService.Resolver = keyvaultService.NewKeyResolver(opts.KeyVault, unwrapper, cache, logger)
	if opts.Metrics != nil {
		resolver = keyvaultService.NewResolverWithMetrics(resolver, opts.Metrics)
	}

	schemas := opts.Schemas
	if schemas == nil {
		if schemas, err = schemaDomain.NewRegistry(); err != nil {
			return nil, err
		}
	}

	transform := cryptoService.NewTransform(cryptoService.NewAEADManager())
	rewriter := encryptionUsecase.NewRewriter(
		schemas,
		encryptionService.NewMarker(),
		resolver,
		transform,
		encryptionUsecase.RewriterOptions{
			BypassAutoEncryption:  opts.BypassAutoEncryption,
			MaxParallelKeyFetches: opts.MaxParallelKeyFetches,
		},
		logger,
	)
	if opts.Metrics != nil {
		rewriter = encryptionUsecase.NewRewriterWithMetrics(rewriter, opts.Metrics)
	}

	txManager := opts.TxManager
	if txManager == nil {
		txManager = noTx{}
	}

	return &AutoEncryptionClient{
		rewriter:    rewriter,
		resolver:    resolver,
		transform:   transform,
		coordinator: sessionService.NewCoordinator(opts.Dispatcher, logger),
		dispatcher:  opts.Dispatcher,
		cache:       cache,
		kms:         opts.KMS,
		dataKeys:    keyvaultUsecase.NewDataKeyUseCase(txManager, opts.KeyVault, opts.KMS, cache, logger),
		logger:      logger,
	}, nil
}

// Database returns a handle on database name.
func (c *AutoEncryptionClient) Database(name string) *Database {
	return &Database{client: c, name: name}
}

// StartSession starts a session. The caller must end it with EndSession; Close ends any
// session still open.
func (c *AutoEncryptionClient) StartSession() (*sessionService.Session, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.coordinator.StartSession()
}

// RunCommand encrypts cmd, dispatches it on database db and returns the decrypted reply.
// sess may be nil to run outside any session.
func (c *AutoEncryptionClient) RunCommand(
	ctx context.Context,
	sess *sessionService.Session,
	db string,
	cmd bson.D,
) (bson.D, error) {
	var reply bson.D
	err := c.execute(ctx, sess, func(ctx context.Context, send sessionService.SendFunc) error {
		var err error
		reply, err = c.roundTrip(ctx, send, db, cmd)
		return err
	})
	return reply, err
}

// KeyVault returns the data key administration use case backed by the client's vault and KMS.
// Rotations and deletions made through it drop the affected keys from the client's cache.
func (c *AutoEncryptionClient) KeyVault() keyvaultUsecase.DataKeyUseCase {
	return c.dataKeys
}

// Encrypt explicitly encrypts value under the data key named by ref.
func (c *AutoEncryptionClient) Encrypt(
	ctx context.Context,
	value any,
	ref keyvaultDomain.KeyRef,
	alg cryptoDomain.Algorithm,
) (bson.Binary, error) {
	if c.closed.Load() {
		return bson.Binary{}, ErrClientClosed
	}
	material, err := c.resolver.ResolveKey(ctx, ref)
	if err != nil {
		return bson.Binary{}, err
	}
	defer cryptoDomain.Zero(material.Key)

	return c.transform.Encrypt(value, material.ID, material.Key, alg)
}

// Decrypt explicitly decrypts a ciphertext produced by Encrypt or by automatic encryption.
func (c *AutoEncryptionClient) Decrypt(ctx context.Context, bin bson.Binary) (any, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	env, err := cryptoDomain.ParseEnvelope(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cryptoDomain.ErrDecryptionFailed, err)
	}

	material, err := c.resolver.ResolveKey(ctx, keyvaultDomain.KeyRefByID(env.KeyID))
	if err != nil {
		return nil, err
	}
	defer cryptoDomain.Zero(material.Key)

	return c.transform.Decrypt(bin, material.Key)
}

// Close ends every live session, closes the KMS providers and zeroes the key cache.
// Calling Close more than once returns the result of the first call.
func (c *AutoEncryptionClient) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		var errs []error
		if err := c.coordinator.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := c.kms.Close(); err != nil {
			errs = append(errs, err)
		}
		c.cache.Close()

		c.closeErr = errors.Join(errs...)
		c.logger.Debug("auto encryption client closed")
	})
	return c.closeErr
}

func (c *AutoEncryptionClient) execute(
	ctx context.Context,
	sess *sessionService.Session,
	fn func(ctx context.Context, send sessionService.SendFunc) error,
) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if sess == nil {
		return fn(ctx, func(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
			return c.dispatcher.Dispatch(ctx, db, cmd, nil)
		})
	}
	return sess.Execute(ctx, fn)
}

func (c *AutoEncryptionClient) roundTrip(
	ctx context.Context,
	send sessionService.SendFunc,
	db string,
	cmd bson.D,
) (bson.D, error) {
	wire, err := c.rewriter.EncryptCommand(ctx, db, cmd)
	if err != nil {
		return nil, err
	}

	reply, err := send(ctx, db, wire)
	if err != nil {
		return nil, err
	}

	return c.rewriter.DecryptResult(ctx, reply)
}

// noTx runs fn directly for vaults without transactions.
type noTx struct{}

func (noTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
