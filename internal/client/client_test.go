package client

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/goleak"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
	cryptoService "github.com/allisson/autoencrypt/internal/crypto/service"
	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
	kmsService "github.com/allisson/autoencrypt/internal/kms/service"
	schemaDomain "github.com/allisson/autoencrypt/internal/schema/domain"
	sessionDomain "github.com/allisson/autoencrypt/internal/session/domain"
	"github.com/allisson/autoencrypt/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var localMasterKey = kmsDomain.MasterKey{Provider: kmsDomain.ProviderLocal}

// countingProvider counts unwraps made through the wrapped provider.
type countingProvider struct {
	kmsService.Provider
	unwraps atomic.Int32
}

func (c *countingProvider) Unwrap(ctx context.Context, mk kmsDomain.MasterKey, wrapped []byte) ([]byte, error) {
	c.unwraps.Add(1)
	return c.Provider.Unwrap(ctx, mk, wrapped)
}

type fixture struct {
	client   *AutoEncryptionClient
	server   *testutil.MemoryServer
	vault    *testutil.MemoryKeyVault
	provider *countingProvider
	key      *keyvaultDomain.DataKey
}

func newFixture(t *testing.T, bypass bool) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	encoded, err := kmsDomain.GenerateLocalMasterKey()
	require.NoError(t, err)
	masterKey, err := kmsDomain.LoadLocalMasterKey(encoded)
	require.NoError(t, err)
	t.Cleanup(masterKey.Close)

	provider := &countingProvider{Provider: kmsService.NewLocalProvider(masterKey, cryptoService.NewAEADManager())}
	kms := kmsService.NewService(kmsService.Options{MaxRetries: 1}, logger, provider)

	schema, err := schemaDomain.NewSchema("db.coll", []schemaDomain.FieldRule{
		{Path: "encrypted", Algorithm: cryptoDomain.Deterministic, KeyRef: keyvaultDomain.KeyRefByAltName("K")},
		{Path: "secret.notes", Algorithm: cryptoDomain.Random, KeyRef: keyvaultDomain.KeyRefByAltName("K")},
	})
	require.NoError(t, err)
	registry, err := schemaDomain.NewRegistry(schema)
	require.NoError(t, err)

	server := testutil.NewMemoryServer()
	vault := testutil.NewMemoryKeyVault()

	c, err := New(Options{
		Schemas:              registry,
		KeyVault:             vault,
		TxManager:            vault,
		KMS:                  kms,
		Dispatcher:           server,
		BypassAutoEncryption: bypass,
		Logger:               logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(ctx) })

	key, err := c.KeyVault().CreateDataKey(ctx, localMasterKey, []string{"K"})
	require.NoError(t, err)

	return &fixture{client: c, server: server, vault: vault, provider: provider, key: key}
}

func (f *fixture) coll() *Collection {
	return f.client.Database("db").Collection("coll")
}

func TestAutoEncryptionClient_EndToEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_EncryptedOnServerPlainToApplication", func(t *testing.T) {
		f := newFixture(t, false)

		require.NoError(t, f.coll().InsertOne(ctx, nil, bson.D{{Key: "encrypted", Value: "test"}}))

		got, err := f.coll().FindOne(ctx, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, bson.D{{Key: "encrypted", Value: "test"}}, got)

		stored := f.server.Documents("db.coll")
		require.Len(t, stored, 1)
		bin, ok := stored[0][0].Value.(bson.Binary)
		require.True(t, ok, "stored value must be binary, got %T", stored[0][0].Value)
		assert.Equal(t, cryptoDomain.CiphertextSubtype, bin.Subtype)
		assert.NotContains(t, string(bin.Data), "test")
	})

	t.Run("Success_QueryByDeterministicField", func(t *testing.T) {
		f := newFixture(t, false)
		_, err := f.coll().InsertMany(ctx, nil, []bson.D{
			{{Key: "encrypted", Value: "a"}, {Key: "n", Value: int32(1)}},
			{{Key: "encrypted", Value: "b"}, {Key: "n", Value: int32(2)}},
			{{Key: "encrypted", Value: "a"}, {Key: "n", Value: int32(3)}},
		})
		require.NoError(t, err)

		docs, err := f.coll().Find(ctx, nil, bson.D{{Key: "encrypted", Value: "a"}})
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "a", docs[0][0].Value)

		n, err := f.coll().CountDocuments(ctx, nil, bson.D{{Key: "encrypted", Value: bson.D{{Key: "$in", Value: bson.A{"b"}}}}})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("Success_UpdateAndDelete", func(t *testing.T) {
		f := newFixture(t, false)
		require.NoError(t, f.coll().InsertOne(ctx, nil, bson.D{{Key: "encrypted", Value: "a"}}))

		n, err := f.coll().UpdateMany(ctx, nil,
			bson.D{{Key: "encrypted", Value: "a"}},
			bson.D{{Key: "$set", Value: bson.D{{Key: "encrypted", Value: "b"}, {Key: "secret.notes", Value: "hush"}}}},
		)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := f.coll().FindOne(ctx, nil, bson.D{{Key: "encrypted", Value: "b"}})
		require.NoError(t, err)
		assert.Equal(t, bson.D{
			{Key: "encrypted", Value: "b"},
			{Key: "secret", Value: bson.D{{Key: "notes", Value: "hush"}}},
		}, got)

		n, err = f.coll().DeleteMany(ctx, nil, bson.D{{Key: "encrypted", Value: "b"}})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Empty(t, f.server.Documents("db.coll"))
	})

	t.Run("Success_UnencryptedNamespacePassesThrough", func(t *testing.T) {
		f := newFixture(t, false)
		other := f.client.Database("db").Collection("plain")

		require.NoError(t, other.InsertOne(ctx, nil, bson.D{{Key: "encrypted", Value: "visible"}}))
		assert.Equal(t, "visible", f.server.Documents("db.plain")[0][0].Value)
		assert.Equal(t, int32(0), f.provider.unwraps.Load())
	})

	t.Run("Success_BypassStillDecrypts", func(t *testing.T) {
		f := newFixture(t, true)
		ct, err := f.client.Encrypt(ctx, "test", keyvaultDomain.KeyRefByAltName("K"), cryptoDomain.Deterministic)
		require.NoError(t, err)

		require.NoError(t, f.coll().InsertOne(ctx, nil, bson.D{{Key: "encrypted", Value: ct}, {Key: "raw", Value: "x"}}))
		assert.Equal(t, ct, f.server.Documents("db.coll")[0][0].Value)

		got, err := f.coll().FindOne(ctx, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, bson.D{{Key: "encrypted", Value: "test"}, {Key: "raw", Value: "x"}}, got)
	})

	t.Run("Error_SchemaMismatchIsNotDispatched", func(t *testing.T) {
		f := newFixture(t, false)

		err := f.coll().InsertOne(ctx, nil, bson.D{{Key: "encrypted", Value: 1.5}})
		assert.ErrorIs(t, err, schemaDomain.ErrSchemaMismatch)
		assert.Empty(t, f.server.Commands())
	})

	t.Run("Error_DispatchErrorPropagatesUnchanged", func(t *testing.T) {
		f := newFixture(t, false)
		f.server.FailNext("insert", assert.AnError)

		err := f.coll().InsertOne(ctx, nil, bson.D{{Key: "encrypted", Value: "a"}})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Len(t, f.server.Commands(), 1, "dispatch is not retried")
	})

	t.Run("Error_MissingKey", func(t *testing.T) {
		f := newFixture(t, false)
		require.NoError(t, f.client.KeyVault().DeleteDataKey(ctx, f.key.ID))

		err := f.coll().InsertOne(ctx, nil, bson.D{{Key: "encrypted", Value: "a"}})
		assert.ErrorIs(t, err, keyvaultDomain.ErrKeyNotFound)

		var keyErr *keyvaultDomain.KeyError
		require.ErrorAs(t, err, &keyErr)
		assert.Equal(t, "K", keyErr.Ref.AltName)
	})
}

func TestAutoEncryptionClient_KeyCoalescing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	readsBefore := f.vault.Reads.Load()

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.coll().InsertOne(ctx, nil, bson.D{{Key: "encrypted", Value: "v"}, {Key: "i", Value: int32(i)}})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), f.provider.unwraps.Load())
	assert.Equal(t, int64(1), f.vault.Reads.Load()-readsBefore)
	assert.Len(t, f.server.Documents("db.coll"), writers)
}

func TestAutoEncryptionClient_Transactions(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_AbortedWritesAreNeverVisible", func(t *testing.T) {
		f := newFixture(t, false)
		sess, err := f.client.StartSession()
		require.NoError(t, err)
		defer func() { require.NoError(t, sess.EndSession(ctx)) }()

		require.NoError(t, sess.StartTransaction(ctx))
		require.NoError(t, f.coll().InsertOne(ctx, sess, bson.D{{Key: "encrypted", Value: "gone"}}))

		inside, err := f.coll().Find(ctx, sess, nil)
		require.NoError(t, err)
		assert.Len(t, inside, 1)

		outside, err := f.coll().Find(ctx, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, outside)

		require.NoError(t, sess.AbortTransaction(ctx))
		outside, err = f.coll().Find(ctx, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, outside)
		assert.Empty(t, f.server.Documents("db.coll"))
	})

	t.Run("Success_CommittedWritesAreVisible", func(t *testing.T) {
		f := newFixture(t, false)
		sess, err := f.client.StartSession()
		require.NoError(t, err)
		defer func() { require.NoError(t, sess.EndSession(ctx)) }()

		err = sess.WithTransaction(ctx, func(ctx context.Context) error {
			if err := f.coll().InsertOne(ctx, sess, bson.D{{Key: "encrypted", Value: "one"}}); err != nil {
				return err
			}
			return f.coll().InsertOne(ctx, sess, bson.D{{Key: "encrypted", Value: "two"}})
		})
		require.NoError(t, err)

		docs, err := f.coll().Find(ctx, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []bson.D{
			{{Key: "encrypted", Value: "one"}},
			{{Key: "encrypted", Value: "two"}},
		}, docs)

		var txnCommands int
		for _, cmd := range f.server.Commands() {
			if cmd.Op.InTransaction() {
				txnCommands++
				assert.Equal(t, sess.ID(), cmd.Op.SessionID)
			}
		}
		assert.Equal(t, 3, txnCommands)
	})

	t.Run("Error_CommitWithoutTransaction", func(t *testing.T) {
		f := newFixture(t, false)
		sess, err := f.client.StartSession()
		require.NoError(t, err)
		defer func() { require.NoError(t, sess.EndSession(ctx)) }()

		assert.ErrorIs(t, sess.CommitTransaction(ctx), sessionDomain.ErrInvalidTransactionState)
	})
}

func TestAutoEncryptionClient_ExplicitEncryption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	t.Run("Success_RoundTrip", func(t *testing.T) {
		for _, alg := range []cryptoDomain.Algorithm{cryptoDomain.Deterministic, cryptoDomain.Random} {
			ct, err := f.client.Encrypt(ctx, "hello", keyvaultDomain.KeyRefByID(f.key.ID), alg)
			require.NoError(t, err)

			pt, err := f.client.Decrypt(ctx, ct)
			require.NoError(t, err)
			assert.Equal(t, "hello", pt)
		}
	})

	t.Run("Error_NotCiphertext", func(t *testing.T) {
		_, err := f.client.Decrypt(ctx, bson.Binary{Subtype: 0, Data: []byte("x")})
		assert.ErrorIs(t, err, cryptoDomain.ErrDecryptionFailed)
	})
}

func TestAutoEncryptionClient_RewrapKeepsDataReadable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	require.NoError(t, f.coll().InsertOne(ctx, nil, bson.D{{Key: "encrypted", Value: "kept"}}))

	n, err := f.client.KeyVault().RewrapManyDataKey(ctx, keyvaultDomain.DataKeyFilter{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.coll().FindOne(ctx, nil, bson.D{{Key: "encrypted", Value: "kept"}})
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "encrypted", Value: "kept"}}, got)
}

func TestAutoEncryptionClient_Close(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	sess, err := f.client.StartSession()
	require.NoError(t, err)
	require.NoError(t, sess.StartTransaction(ctx))
	require.NoError(t, f.coll().InsertOne(ctx, sess, bson.D{{Key: "encrypted", Value: "pending"}}))

	require.NoError(t, f.client.Close(ctx))
	require.NoError(t, f.client.Close(ctx))

	assert.Equal(t, []string{sess.ID().String()}, func() []string {
		var ids []string
		for _, id := range f.server.EndedSessions() {
			ids = append(ids, id.String())
		}
		return ids
	}())
	assert.Equal(t, 0, f.server.OpenTransactions())
	assert.Empty(t, f.server.Documents("db.coll"))

	assert.ErrorIs(t, f.coll().InsertOne(ctx, nil, bson.D{{Key: "x", Value: 1}}), ErrClientClosed)
	_, err = f.client.StartSession()
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = f.client.Encrypt(ctx, "x", keyvaultDomain.KeyRefByID(f.key.ID), cryptoDomain.Random)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
