package persist

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoOpTimeout = 10 * time.Second

// mongoProvider keeps the retained stream and the sessions stream in two
// collections. Saves replace the whole collection: the streams are
// snapshots, not incremental logs.
type mongoProvider struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoProvider(url, database string) (Provider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, err
	}
	if err = client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &mongoProvider{
		client: client,
		db:     client.Database(database),
	}, nil
}

func (this *mongoProvider) SaveRetained(records []RetainedRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	coll := this.db.Collection("retained")
	if _, err := coll.DeleteMany(ctx, bson.M{}); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(records))
	for _, r := range records {
		docs = append(docs, r)
	}
	_, err := coll.InsertMany(ctx, docs)
	return err
}

func (this *mongoProvider) LoadRetained() ([]RetainedRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	cur, err := this.db.Collection("retained").Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var records []RetainedRecord
	if err = cur.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (this *mongoProvider) SaveSessions(data *SessionsAndSubscriptions) error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	coll := this.db.Collection("sessions")
	if _, err := coll.DeleteMany(ctx, bson.M{}); err != nil {
		return err
	}
	_, err := coll.InsertOne(ctx, data)
	return err
}

func (this *mongoProvider) LoadSessions() (*SessionsAndSubscriptions, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	res := this.db.Collection("sessions").FindOne(ctx, bson.M{})
	if err := res.Err(); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrFileMissing
		}
		return nil, err
	}
	data := &SessionsAndSubscriptions{}
	if err := res.Decode(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (this *mongoProvider) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()
	return this.client.Disconnect(ctx)
}
