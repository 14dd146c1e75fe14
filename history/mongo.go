package history

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const snapshotsCollection = "tally_snapshots"

var ErrNilDatabase = errors.New("database connection is nil")

// InitMongoDB 连接并测试 MongoDB
func InitMongoDB(ctx context.Context, uri, dbName string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client.Database(dbName), nil
}

// MongoStore 计票快照存储，每个投票按版本倒序查询
type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, ErrNilDatabase
	}
	_, err := db.Collection(snapshotsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "pollId", Value: 1}, {Key: "version", Value: -1}, {Key: "kind", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return &MongoStore{db: db}, nil
}

// Insert 批量写入；重复的 (pollId, version, kind) 被忽略
func (s *MongoStore) Insert(ctx context.Context, snapshots []Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(snapshots))
	for _, snap := range snapshots {
		docs = append(docs, snap)
	}
	_, err := s.db.Collection(snapshotsCollection).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && onlyDuplicates(err) {
		return nil
	}
	return err
}

func (s *MongoStore) List(ctx context.Context, pollID string, limit int) ([]Snapshot, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "version", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.db.Collection(snapshotsCollection).Find(ctx, bson.M{"pollId": pollID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	snapshots := make([]Snapshot, 0)
	for cursor.Next(ctx) {
		var snap Snapshot
		if err := cursor.Decode(&snap); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

func onlyDuplicates(err error) bool {
	var bulk mongo.BulkWriteException
	if !errors.As(err, &bulk) || bulk.WriteConcernError != nil {
		return false
	}
	for _, we := range bulk.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}
