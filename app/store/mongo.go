package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// OptionsCollection là tên collection lưu trạng thái engine
const OptionsCollection = "options"

// optionDocument là document trong collection options
type optionDocument struct {
	Name      string    `bson:"_id"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// MongoStore lưu trạng thái engine trong MongoDB.
// Giá trị lưu dạng chuỗi JSON để CompareAndSwap so khớp chính xác bằng filter.
type MongoStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewMongoStore tạo store trên database đã kết nối
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(OptionsCollection), now: time.Now}
}

func (s *MongoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var doc optionDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lỗi khi đọc option %s: %w", key, err)
	}
	return []byte(doc.Value), true, nil
}

func (s *MongoStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"value": string(value), "updatedAt": s.now()}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("lỗi khi ghi option %s: %w", key, err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, key string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("lỗi khi xoá option %s: %w", key, err)
	}
	return nil
}

func (s *MongoStore) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	if old == nil {
		_, err := s.coll.InsertOne(ctx, optionDocument{Name: key, Value: string(new), UpdatedAt: s.now()})
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("lỗi khi compare-and-swap option %s: %w", key, err)
		}
		return true, nil
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": key, "value": string(old)},
		bson.M{"$set": bson.M{"value": string(new), "updatedAt": s.now()}})
	if err != nil {
		return false, fmt.Errorf("lỗi khi compare-and-swap option %s: %w", key, err)
	}
	return res.MatchedCount == 1, nil
}
