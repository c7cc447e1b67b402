package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sync/errgroup"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
	cryptoService "github.com/allisson/autoencrypt/internal/crypto/service"
	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
)

// RewriterOptions configures a Rewriter.
type RewriterOptions struct {
	// BypassAutoEncryption sends commands unmodified while still decrypting results.
	BypassAutoEncryption bool

	// MaxParallelKeyFetches bounds concurrent key resolutions per command. Zero means unbounded.
	MaxParallelKeyFetches int
}

type rewriter struct {
	schemas   SchemaResolver
	marker    CommandMarker
	keys      KeyResolver
	transform cryptoService.Transform
	opts      RewriterOptions
	logger    *slog.Logger
}

// NewRewriter creates a Rewriter.
func NewRewriter(
	schemas SchemaResolver,
	marker CommandMarker,
	keys KeyResolver,
	transform cryptoService.Transform,
	opts RewriterOptions,
	logger *slog.Logger,
) Rewriter {
	return &rewriter{
		schemas:   schemas,
		marker:    marker,
		keys:      keys,
		transform: transform,
		opts:      opts,
		logger:    logger,
	}
}

// EncryptCommand marks cmd, resolves each distinct key once and substitutes ciphertexts.
func (r *rewriter) EncryptCommand(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	if r.opts.BypassAutoEncryption || len(cmd) == 0 {
		return cmd, nil
	}

	coll, ok := cmd[0].Value.(string)
	if !ok {
		return cmd, nil
	}
	schema, ok := r.schemas.Resolve(db + "." + coll)
	if !ok {
		return cmd, nil
	}

	marked, err := r.marker.MarkCommand(cmd, schema)
	if err != nil {
		return nil, err
	}
	if len(marked.Marks) == 0 {
		return cmd, nil
	}

	keys, err := r.resolveAll(ctx, marked.KeyRefs())
	if err != nil {
		return nil, err
	}
	defer zeroKeys(keys)

	for _, mark := range marked.Marks {
		key := keys[mark.Rule.KeyRef]
		bin, err := r.transform.Encrypt(mark.Value, key.ID, key.Key, mark.Rule.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", mark.Path, err)
		}
		mark.Ciphertext = &bin
	}

	r.logger.Debug("command encrypted",
		slog.String("command", cmd[0].Key),
		slog.String("namespace", schema.Namespace()),
		slog.Int("fields", len(marked.Marks)),
	)

	return marked.Substitute()
}

// DecryptResult finds every ciphertext in doc, resolves each distinct key once and decrypts.
func (r *rewriter) DecryptResult(ctx context.Context, doc bson.D) (bson.D, error) {
	ids := make(map[uuid.UUID]struct{})
	if err := collectKeyIDs(doc, ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return doc, nil
	}

	refs := make([]keyvaultDomain.KeyRef, 0, len(ids))
	for id := range ids {
		refs = append(refs, keyvaultDomain.KeyRefByID(id))
	}

	keys, err := r.resolveAll(ctx, refs)
	if err != nil {
		return nil, err
	}
	defer zeroKeys(keys)

	out, err := r.decryptValue(doc, "", keys)
	if err != nil {
		return nil, err
	}
	return out.(bson.D), nil
}

// resolveAll resolves refs concurrently. The first failure cancels the rest.
func (r *rewriter) resolveAll(
	ctx context.Context,
	refs []keyvaultDomain.KeyRef,
) (map[keyvaultDomain.KeyRef]keyvaultDomain.DataKeyMaterial, error) {
	var mu sync.Mutex
	keys := make(map[keyvaultDomain.KeyRef]keyvaultDomain.DataKeyMaterial, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	if r.opts.MaxParallelKeyFetches > 0 {
		g.SetLimit(r.opts.MaxParallelKeyFetches)
	}

	for _, ref := range refs {
		g.Go(func() error {
			material, err := r.keys.ResolveKey(gctx, ref)
			if err != nil {
				return err
			}
			mu.Lock()
			keys[ref] = material
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		zeroKeys(keys)
		return nil, err
	}
	return keys, nil
}

func (r *rewriter) decryptValue(
	v any,
	path string,
	keys map[keyvaultDomain.KeyRef]keyvaultDomain.DataKeyMaterial,
) (any, error) {
	switch t := v.(type) {
	case bson.D:
		out := make(bson.D, len(t))
		for i, e := range t {
			dv, err := r.decryptValue(e.Value, joinPath(path, e.Key), keys)
			if err != nil {
				return nil, err
			}
			out[i] = bson.E{Key: e.Key, Value: dv}
		}
		return out, nil
	case bson.A:
		out := make(bson.A, len(t))
		for i, e := range t {
			dv, err := r.decryptValue(e, path, keys)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	case bson.Binary:
		if t.Subtype != cryptoDomain.CiphertextSubtype {
			return v, nil
		}
		env, err := cryptoDomain.ParseEnvelope(t)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w: %v", path, cryptoDomain.ErrDecryptionFailed, err)
		}
		key := keys[keyvaultDomain.KeyRefByID(env.KeyID)]
		plain, err := r.transform.Decrypt(t, key.Key)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", path, err)
		}
		return plain, nil
	default:
		return v, nil
	}
}

// collectKeyIDs records the key id of every ciphertext in v.
func collectKeyIDs(v any, ids map[uuid.UUID]struct{}) error {
	switch t := v.(type) {
	case bson.D:
		for _, e := range t {
			if err := collectKeyIDs(e.Value, ids); err != nil {
				return err
			}
		}
	case bson.A:
		for _, e := range t {
			if err := collectKeyIDs(e, ids); err != nil {
				return err
			}
		}
	case bson.Binary:
		if t.Subtype != cryptoDomain.CiphertextSubtype {
			return nil
		}
		env, err := cryptoDomain.ParseEnvelope(t)
		if err != nil {
			return fmt.Errorf("%w: %v", cryptoDomain.ErrDecryptionFailed, err)
		}
		ids[env.KeyID] = struct{}{}
	}
	return nil
}

func zeroKeys(keys map[keyvaultDomain.KeyRef]keyvaultDomain.DataKeyMaterial) {
	bufs := make([][]byte, 0, len(keys))
	for _, k := range keys {
		bufs = append(bufs, k.Key)
	}
	cryptoDomain.Zero(bufs...)
}

func joinPath(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}
