package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"market-pipeline/models"
)

// MongoArchive stores raw intake records as documents, one collection for all
// sources, indexed by (source, external_id, scraped_at).
type MongoArchive struct {
	client     *mongo.Client
	collection *mongo.Collection
}

var _ RawArchive = (*MongoArchive)(nil)

type rawDocument struct {
	Source     string            `bson:"source"`
	ExternalID string            `bson:"external_id"`
	CategoryID int               `bson:"category_id"`
	Title      string            `bson:"title"`
	Price      string            `bson:"price"`
	URL        string            `bson:"url"`
	Status     string            `bson:"status,omitempty"`
	Location   string            `bson:"location,omitempty"`
	Region     bson.M            `bson:"region,omitempty"`
	PostedAt   string            `bson:"posted_at,omitempty"`
	Relative   string            `bson:"posted_relative,omitempty"`
	Attributes map[string]string `bson:"attributes,omitempty"`
	ScrapedAt  time.Time         `bson:"scraped_at"`
}

// NewMongoArchive connects to uri and prepares the raw_listings collection.
func NewMongoArchive(ctx context.Context, uri, dbName string) (*MongoArchive, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	collection := client.Database(dbName).Collection("raw_listings")
	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "source", Value: 1}, {Key: "external_id", Value: 1}, {Key: "scraped_at", Value: -1}},
	}
	if _, err := collection.Indexes().CreateOne(ctx, indexModel); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: create index: %w", err)
	}
	return &MongoArchive{client: client, collection: collection}, nil
}

func toRawDocument(r models.RawListing) rawDocument {
	doc := rawDocument{
		Source:     string(r.Source),
		ExternalID: r.ExternalID,
		CategoryID: r.CategoryID,
		Title:      r.Title,
		Price:      string(r.RawPrice),
		URL:        r.URL,
		Status:     r.Status,
		Location:   r.Location,
		PostedAt:   r.PostedAt,
		Relative:   r.PostedRelative,
		Attributes: r.Attributes,
		ScrapedAt:  r.ScrapedAt.UTC(),
	}
	if r.Province != "" || r.District != "" || r.Neighborhood != "" {
		doc.Region = bson.M{"sd": r.Province, "sgg": r.District, "emd": r.Neighborhood}
	}
	return doc
}

// Archive inserts raws in one unordered batch.
func (m *MongoArchive) Archive(ctx context.Context, raws []models.RawListing) error {
	if len(raws) == 0 {
		return nil
	}
	docs := make([]any, len(raws))
	for i, r := range raws {
		docs[i] = toRawDocument(r)
	}
	if _, err := m.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		return fmt.Errorf("mongo: archive %d raws: %w", len(raws), err)
	}
	return nil
}

// Close disconnects the client.
func (m *MongoArchive) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
