package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/credit-engine/pkg/database"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

const accountsCollection = "accounts"

// MongoStore keeps accounts as documents keyed by user id
type MongoStore struct {
	accounts *mongo.Collection
	health   func(ctx context.Context) error
}

// NewMongoStore creates a durable store over a document database
func NewMongoStore(m *database.Mongo) *MongoStore {
	return &MongoStore{
		accounts: m.DB.Collection(accountsCollection),
		health:   m.Health,
	}
}

// FetchAccount loads one account document
func (m *MongoStore) FetchAccount(ctx context.Context, userID string) (*Record, error) {
	var rec Record
	err := m.accounts.FindOne(ctx, bson.M{"_id": userID}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// UpdateAccount applies a partial $set to one account document
func (m *MongoStore) UpdateAccount(ctx context.Context, userID string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return fmt.Errorf("no fields to update")
	}

	set := bson.M{}
	for col, v := range fields {
		if !updatableColumns[col] {
			return fmt.Errorf("field %q is not updatable", col)
		}
		set[col] = v
	}

	res, err := m.accounts.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Health pings the document database
func (m *MongoStore) Health(ctx context.Context) error {
	return m.health(ctx)
}
