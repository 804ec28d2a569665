package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoBackend struct {
	client *mongo.Client
	sets   *mongo.Collection
	maps   *mongo.Collection
}

type mongoID struct {
	Collection string `bson:"c"`
	Member     string `bson:"m"`
}

type mongoEntry struct {
	ID    mongoID `bson:"_id"`
	Value string  `bson:"value,omitempty"`
}

func ConnectMongo(ctx context.Context, url string, database string) (*MongoBackend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url).SetTimeout(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	db := client.Database(database)
	return &MongoBackend{
		client: client,
		sets:   db.Collection("cellar_sets"),
		maps:   db.Collection("cellar_maps"),
	}, nil
}

func (m *MongoBackend) Name() string { return "mongo" }

func (m *MongoBackend) Set(key string) Set {
	return &mongoSet{coll: m.sets, collection: key}
}

func (m *MongoBackend) Map(key string) Map {
	return &mongoMap{coll: m.maps, collection: key}
}

func (m *MongoBackend) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return nil
}

func (m *MongoBackend) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func findEntries(ctx context.Context, coll *mongo.Collection, collection string) ([]mongoEntry, error) {
	cursor, err := coll.Find(ctx, bson.M{"_id.c": collection})
	if err != nil {
		return nil, fmt.Errorf("failed to list collection %s: %w", collection, err)
	}

	var entries []mongoEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode collection %s: %w", collection, err)
	}
	return entries, nil
}

type mongoSet struct {
	coll       *mongo.Collection
	collection string
}

func (s *mongoSet) id(member string) mongoID {
	return mongoID{Collection: s.collection, Member: member}
}

func (s *mongoSet) Add(ctx context.Context, member string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": s.id(member)},
		bson.M{"$setOnInsert": bson.M{"_id": s.id(member)}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to add %q to Mongo set: %w", member, err)
	}
	return nil
}

func (s *mongoSet) Remove(ctx context.Context, member string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": s.id(member)}); err != nil {
		return fmt.Errorf("failed to remove %q from Mongo set: %w", member, err)
	}
	return nil
}

func (s *mongoSet) Contains(ctx context.Context, member string) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": s.id(member)}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to look up %q in Mongo set: %w", member, err)
	}
	return n > 0, nil
}

func (s *mongoSet) Members(ctx context.Context) ([]string, error) {
	entries, err := findEntries(ctx, s.coll, s.collection)
	if err != nil {
		return nil, err
	}

	members := make([]string, 0, len(entries))
	for _, e := range entries {
		members = append(members, e.ID.Member)
	}
	return members, nil
}

type mongoMap struct {
	coll       *mongo.Collection
	collection string
}

func (m *mongoMap) id(field string) mongoID {
	return mongoID{Collection: m.collection, Member: field}
}

func (m *mongoMap) Put(ctx context.Context, field string, value string) error {
	_, err := m.coll.ReplaceOne(ctx,
		bson.M{"_id": m.id(field)},
		mongoEntry{ID: m.id(field), Value: value},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to put %q in Mongo map: %w", field, err)
	}
	return nil
}

func (m *mongoMap) Get(ctx context.Context, field string) (string, bool, error) {
	var entry mongoEntry
	err := m.coll.FindOne(ctx, bson.M{"_id": m.id(field)}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %q from Mongo map: %w", field, err)
	}
	return entry.Value, true, nil
}

func (m *mongoMap) Delete(ctx context.Context, field string) error {
	if _, err := m.coll.DeleteOne(ctx, bson.M{"_id": m.id(field)}); err != nil {
		return fmt.Errorf("failed to delete %q from Mongo map: %w", field, err)
	}
	return nil
}

func (m *mongoMap) Entries(ctx context.Context) (map[string]string, error) {
	entries, err := findEntries(ctx, m.coll, m.collection)
	if err != nil {
		return nil, err
	}

	result := make(map[string]string, len(entries))
	for _, e := range entries {
		result[e.ID.Member] = e.Value
	}
	return result, nil
}
