package client

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	sessionService "github.com/allisson/autoencrypt/internal/session/service"
)

// Database is a handle on one database of an AutoEncryptionClient.
type Database struct {
	client *AutoEncryptionClient
	name   string
}

// Name returns the database name.
func (d *Database) Name() string {
	return d.name
}

// Collection returns a handle on collection name.
func (d *Database) Collection(name string) *Collection {
	return &Collection{client: d.client, db: d.name, name: name}
}

// RunCommand runs cmd on the database. See AutoEncryptionClient.RunCommand.
func (d *Database) RunCommand(ctx context.Context, sess *sessionService.Session, cmd bson.D) (bson.D, error) {
	return d.client.RunCommand(ctx, sess, d.name, cmd)
}

// Collection runs CRUD commands on one collection. Every method takes an optional session:
// nil runs the command outside any session.
type Collection struct {
	client *AutoEncryptionClient
	db     string
	name   string
}

// Namespace returns "<database>.<collection>".
func (c *Collection) Namespace() string {
	return c.db + "." + c.name
}

// InsertOne inserts doc.
func (c *Collection) InsertOne(ctx context.Context, sess *sessionService.Session, doc bson.D) error {
	_, err := c.InsertMany(ctx, sess, []bson.D{doc})
	return err
}

// InsertMany inserts docs and returns the number inserted.
func (c *Collection) InsertMany(ctx context.Context, sess *sessionService.Session, docs []bson.D) (int, error) {
	arr := make(bson.A, len(docs))
	for i, d := range docs {
		arr[i] = d
	}
	reply, err := c.client.RunCommand(ctx, sess, c.db, bson.D{
		{Key: "insert", Value: c.name},
		{Key: "documents", Value: arr},
	})
	if err != nil {
		return 0, err
	}
	return count(reply, "n")
}

// Find returns every document matching filter, decrypted. A cursor spanning several
// batches is drained with getMore inside the same session operation.
func (c *Collection) Find(ctx context.Context, sess *sessionService.Session, filter bson.D) ([]bson.D, error) {
	return c.find(ctx, sess, bson.D{
		{Key: "find", Value: c.name},
		{Key: "filter", Value: nonNil(filter)},
	})
}

// FindOne returns the first document matching filter, or nil when there is none.
func (c *Collection) FindOne(ctx context.Context, sess *sessionService.Session, filter bson.D) (bson.D, error) {
	docs, err := c.find(ctx, sess, bson.D{
		{Key: "find", Value: c.name},
		{Key: "filter", Value: nonNil(filter)},
		{Key: "limit", Value: int64(1)},
		{Key: "singleBatch", Value: true},
	})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// UpdateMany applies update to every document matching filter and returns the matched count.
func (c *Collection) UpdateMany(
	ctx context.Context,
	sess *sessionService.Session,
	filter, update bson.D,
) (int, error) {
	reply, err := c.client.RunCommand(ctx, sess, c.db, bson.D{
		{Key: "update", Value: c.name},
		{Key: "updates", Value: bson.A{bson.D{
			{Key: "q", Value: nonNil(filter)},
			{Key: "u", Value: update},
			{Key: "multi", Value: true},
		}}},
	})
	if err != nil {
		return 0, err
	}
	return count(reply, "n")
}

// DeleteMany removes every document matching filter and returns the number removed.
func (c *Collection) DeleteMany(ctx context.Context, sess *sessionService.Session, filter bson.D) (int, error) {
	reply, err := c.client.RunCommand(ctx, sess, c.db, bson.D{
		{Key: "delete", Value: c.name},
		{Key: "deletes", Value: bson.A{bson.D{
			{Key: "q", Value: nonNil(filter)},
			{Key: "limit", Value: int32(0)},
		}}},
	})
	if err != nil {
		return 0, err
	}
	return count(reply, "n")
}

// CountDocuments returns the number of documents matching filter.
func (c *Collection) CountDocuments(ctx context.Context, sess *sessionService.Session, filter bson.D) (int, error) {
	reply, err := c.client.RunCommand(ctx, sess, c.db, bson.D{
		{Key: "count", Value: c.name},
		{Key: "query", Value: nonNil(filter)},
	})
	if err != nil {
		return 0, err
	}
	return count(reply, "n")
}

func (c *Collection) find(ctx context.Context, sess *sessionService.Session, cmd bson.D) ([]bson.D, error) {
	var docs []bson.D
	err := c.client.execute(ctx, sess, func(ctx context.Context, send sessionService.SendFunc) error {
		reply, err := c.client.roundTrip(ctx, send, c.db, cmd)
		if err != nil {
			return err
		}

		batchKey := "firstBatch"
		for {
			id, batch, err := cursorBatch(reply, batchKey)
			if err != nil {
				return err
			}
			docs = append(docs, batch...)
			if id == 0 {
				return nil
			}

			reply, err = c.client.roundTrip(ctx, send, c.db, bson.D{
				{Key: "getMore", Value: id},
				{Key: "collection", Value: c.name},
			})
			if err != nil {
				return err
			}
			batchKey = "nextBatch"
		}
	})
	return docs, err
}

func cursorBatch(reply bson.D, batchKey string) (int64, []bson.D, error) {
	cursor, ok := lookup(reply, "cursor").(bson.D)
	if !ok {
		return 0, nil, fmt.Errorf("reply has no cursor")
	}

	var docs []bson.D
	batch, _ := lookup(cursor, batchKey).(bson.A)
	for _, item := range batch {
		doc, ok := item.(bson.D)
		if !ok {
			return 0, nil, fmt.Errorf("cursor batch holds a %T", item)
		}
		docs = append(docs, doc)
	}

	id, _ := lookup(cursor, "id").(int64)
	return id, docs, nil
}

func count(reply bson.D, key string) (int, error) {
	switch n := lookup(reply, key).(type) {
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("reply field %q is %T", key, n)
	}
}

func lookup(doc bson.D, key string) any {
	for _, e := range doc {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

func nonNil(filter bson.D) bson.D {
	if filter == nil {
		return bson.D{}
	}
	return filter
}
