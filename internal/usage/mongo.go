package usage

import (
	"context"

	"github.com/crosslogic/credit-engine/internal/vault"
	"github.com/crosslogic/credit-engine/pkg/database"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

const entriesCollection = "usage_entries"

type docInserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error)
}

// NewMongoRecorder creates a usage recorder that writes to the usage_entries collection
func NewMongoRecorder(m *database.Mongo, sealer vault.Sealer, logger *zap.Logger) *Recorder {
	return &Recorder{
		docs:   m.DB.Collection(entriesCollection),
		vault:  sealer,
		logger: logger,
	}
}

func (r *Recorder) insertDocument(ctx context.Context, row sealedRow) error {
	_, err := r.docs.InsertOne(ctx, row)
	return err
}
