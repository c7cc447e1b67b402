// Package repository implements key vault persistence.
//
// Three backends share the DataKeyRepository contract:
//   - MongoDB: one document per data key in the key vault collection, in the layout
//     other drivers read ({_id: UUID, keyMaterial, masterKey, keyAltNames, ...})
//   - PostgreSQL: data_keys plus data_key_alt_names, native UUID and BYTEA
//   - MySQL: the same tables with BINARY(16) ids and BLOB material
//
// SQL repositories join a transaction carried by ctx (database.GetTx) and open their own
// for multi-statement writes otherwise.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	apperrors "github.com/allisson/autoencrypt/internal/errors"
	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
)

const uuidSubtype byte = 0x04

// dataKeyDocument is the key vault document layout.
type dataKeyDocument struct {
	ID           bson.Binary `bson:"_id"`
	KeyMaterial  bson.Binary `bson:"keyMaterial"`
	MasterKey    bson.D      `bson:"masterKey"`
	CreationDate time.Time   `bson:"creationDate"`
	UpdateDate   time.Time   `bson:"updateDate"`
	Status       int32       `bson:"status"`
	KeyAltNames  []string    `bson:"keyAltNames,omitempty"`
}

// MongoDataKeyRepository stores data keys in a MongoDB key vault collection.
type MongoDataKeyRepository struct {
	coll *mongo.Collection
}

// NewMongoDataKeyRepository creates a repository over coll.
func NewMongoDataKeyRepository(coll *mongo.Collection) *MongoDataKeyRepository {
	return &MongoDataKeyRepository{coll: coll}
}

// SplitNamespace splits a key vault namespace "db.collection".
func SplitNamespace(namespace string) (string, string, error) {
	db, coll, ok := strings.Cut(namespace, ".")
	if !ok || db == "" || coll == "" {
		return "", "", fmt.Errorf("%w: key vault namespace %q", apperrors.ErrInvalidInput, namespace)
	}
	return db, coll, nil
}

// EnsureIndexes creates the unique partial index on keyAltNames.
func (m *MongoDataKeyRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "keyAltNames", Value: 1}},
		Options: options.Index().
			SetName("keyAltNames_1").
			SetUnique(true).
			SetPartialFilterExpression(bson.D{{Key: "keyAltNames", Value: bson.D{{Key: "$exists", Value: true}}}}),
	})
	if err != nil {
		return apperrors.Wrap(err, "failed to create key vault index")
	}
	return nil
}

// Create inserts a new data key document.
func (m *MongoDataKeyRepository) Create(ctx context.Context, key *keyvaultDomain.DataKey) error {
	if _, err := m.coll.InsertOne(ctx, toDocument(key)); err != nil {
		return mapMongoWriteError(err, "failed to create data key")
	}
	return nil
}

// GetByID returns the data key with the given id.
func (m *MongoDataKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*keyvaultDomain.DataKey, error) {
	return m.findOne(ctx, bson.D{{Key: "_id", Value: uuidBinary(id)}})
}

// GetByAltName returns the data key carrying the given alt name.
func (m *MongoDataKeyRepository) GetByAltName(ctx context.Context, name string) (*keyvaultDomain.DataKey, error) {
	return m.findOne(ctx, bson.D{{Key: "keyAltNames", Value: name}})
}

// List returns every data key ordered by creation date.
func (m *MongoDataKeyRepository) List(ctx context.Context) ([]*keyvaultDomain.DataKey, error) {
	cursor, err := m.coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "creationDate", Value: 1}}))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list data keys")
	}

	var docs []dataKeyDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, apperrors.Wrap(err, "failed to decode data keys")
	}

	keys := make([]*keyvaultDomain.DataKey, 0, len(docs))
	for i := range docs {
		key, err := fromDocument(&docs[i])
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Update replaces the wrapped material, master key, status and update date.
func (m *MongoDataKeyRepository) Update(ctx context.Context, key *keyvaultDomain.DataKey) error {
	res, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: uuidBinary(key.ID)}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "keyMaterial", Value: bson.Binary{Subtype: 0, Data: key.KeyMaterial}},
			{Key: "masterKey", Value: masterKeyDocument(key.MasterKey)},
			{Key: "status", Value: int32(key.Status)},
			{Key: "updateDate", Value: key.UpdateDate},
		}}},
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to update data key")
	}
	if res.MatchedCount == 0 {
		return keyvaultDomain.ErrKeyNotFound
	}
	return nil
}

// Delete removes a data key document.
func (m *MongoDataKeyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := m.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: uuidBinary(id)}})
	if err != nil {
		return apperrors.Wrap(err, "failed to delete data key")
	}
	if res.DeletedCount == 0 {
		return keyvaultDomain.ErrKeyNotFound
	}
	return nil
}

// AddKeyAltName adds name to the key's keyAltNames set.
func (m *MongoDataKeyRepository) AddKeyAltName(ctx context.Context, id uuid.UUID, name string) error {
	res, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: uuidBinary(id)}},
		bson.D{{Key: "$addToSet", Value: bson.D{{Key: "keyAltNames", Value: name}}}},
	)
	if err != nil {
		return mapMongoWriteError(err, "failed to add key alt name")
	}
	if res.MatchedCount == 0 {
		return keyvaultDomain.ErrKeyNotFound
	}
	return nil
}

// RemoveKeyAltName pulls name from the key's keyAltNames, dropping the field once empty
// so the partial unique index keeps ignoring the document.
func (m *MongoDataKeyRepository) RemoveKeyAltName(ctx context.Context, id uuid.UUID, name string) error {
	filter := bson.D{{Key: "_id", Value: uuidBinary(id)}}
	res, err := m.coll.UpdateOne(ctx, filter,
		bson.D{{Key: "$pull", Value: bson.D{{Key: "keyAltNames", Value: name}}}},
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to remove key alt name")
	}
	if res.MatchedCount == 0 {
		return keyvaultDomain.ErrKeyNotFound
	}

	_, err = m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: uuidBinary(id)}, {Key: "keyAltNames", Value: bson.D{{Key: "$size", Value: 0}}}},
		bson.D{{Key: "$unset", Value: bson.D{{Key: "keyAltNames", Value: ""}}}},
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to remove key alt name")
	}
	return nil
}

func (m *MongoDataKeyRepository) findOne(ctx context.Context, filter bson.D) (*keyvaultDomain.DataKey, error) {
	var doc dataKeyDocument
	if err := m.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, keyvaultDomain.ErrKeyNotFound
		}
		return nil, apperrors.Wrap(err, "failed to get data key")
	}
	return fromDocument(&doc)
}

func mapMongoWriteError(err error, message string) error {
	if mongo.IsDuplicateKeyError(err) {
		if strings.Contains(err.Error(), "keyAltNames") {
			return keyvaultDomain.ErrKeyAltNameConflict
		}
		return keyvaultDomain.ErrDataKeyExists
	}
	return apperrors.Wrap(err, message)
}

func uuidBinary(id uuid.UUID) bson.Binary {
	return bson.Binary{Subtype: uuidSubtype, Data: id[:]}
}

func masterKeyDocument(mk kmsDomain.MasterKey) bson.D {
	doc := bson.D{{Key: "provider", Value: mk.Provider}}
	for _, k := range sortedKeys(mk.Params) {
		doc = append(doc, bson.E{Key: k, Value: mk.Params[k]})
	}
	return doc
}

func toDocument(key *keyvaultDomain.DataKey) *dataKeyDocument {
	return &dataKeyDocument{
		ID:           uuidBinary(key.ID),
		KeyMaterial:  bson.Binary{Subtype: 0, Data: key.KeyMaterial},
		MasterKey:    masterKeyDocument(key.MasterKey),
		CreationDate: key.CreationDate,
		UpdateDate:   key.UpdateDate,
		Status:       int32(key.Status),
		KeyAltNames:  key.KeyAltNames,
	}
}

func fromDocument(doc *dataKeyDocument) (*keyvaultDomain.DataKey, error) {
	id, err := uuid.FromBytes(doc.ID.Data)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to unmarshal data key id")
	}

	mk := kmsDomain.MasterKey{Params: make(map[string]string)}
	for _, e := range doc.MasterKey {
		value := fmt.Sprint(e.Value)
		if e.Key == "provider" {
			mk.Provider = value
			continue
		}
		mk.Params[e.Key] = value
	}

	return &keyvaultDomain.DataKey{
		ID:           id,
		KeyMaterial:  doc.KeyMaterial.Data,
		MasterKey:    mk,
		KeyAltNames:  doc.KeyAltNames,
		CreationDate: doc.CreationDate.UTC(),
		UpdateDate:   doc.UpdateDate.UTC(),
		Status:       keyvaultDomain.KeyStatus(doc.Status),
	}, nil
}
