package integrations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Tên các collection của cửa hàng
const (
	CustomersCollection = "customers"
	OrdersCollection    = "orders"
)

// CustomerRole là role đánh dấu tài khoản khách hàng
const CustomerRole = "customer"

// QualifyingOrderStatuses là các trạng thái đơn được tính vào tổng chi tiêu lịch sử
var QualifyingOrderStatuses = []string{"completed", "processing"}

// ErrLocalCustomerNotFound được trả về khi không có khách hàng (hay đơn hàng) nào với ID đã cho
var ErrLocalCustomerNotFound = errors.New("directory: không tìm thấy khách hàng")

// LocalCustomer là khách hàng trong cơ sở dữ liệu cửa hàng
type LocalCustomer struct {
	ID             int64     `bson:"_id"`
	FirstName      string    `bson:"firstName"`
	LastName       string    `bson:"lastName"`
	Email          string    `bson:"email"`
	Phone          string    `bson:"phone"`
	Roles          []string  `bson:"roles,omitempty"`
	Tier           string    `bson:"tier,omitempty"`
	Guest          bool      `bson:"guest,omitempty"`
	RemoteID       string    `bson:"loyaltyCustomerId,omitempty"`
	LinkedAt       time.Time `bson:"loyaltyLinkedAt,omitempty"`
	PointsImported bool      `bson:"loyaltyPointsImported,omitempty"`
}

// DisplayName trả về tên hiển thị: họ tên, nếu trống thì email, cuối cùng là "Customer #id"
func (c LocalCustomer) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
	if name != "" {
		return name
	}
	if email := strings.TrimSpace(c.Email); email != "" {
		return email
	}
	return fmt.Sprintf("Customer #%d", c.ID)
}

type orderBilling struct {
	FirstName string `bson:"firstName"`
	LastName  string `bson:"lastName"`
	Email     string `bson:"email"`
	Phone     string `bson:"phone"`
}

type orderDocument struct {
	CustomerID int64        `bson:"customerId"`
	Status     string       `bson:"status"`
	Total      float64      `bson:"total"`
	Billing    orderBilling `bson:"billing"`
	CreatedAt  time.Time    `bson:"createdAt"`
}

// MongoDirectory đọc khách hàng và đơn hàng của cửa hàng từ MongoDB,
// đồng thời ghi lại ID trên Loyalty và cờ đã import điểm vào document khách hàng.
type MongoDirectory struct {
	customers *mongo.Collection
	orders    *mongo.Collection
	log       *logrus.Entry
}

// NewMongoDirectory tạo directory trên database của cửa hàng
func NewMongoDirectory(db *mongo.Database, log *logrus.Entry) *MongoDirectory {
	return &MongoDirectory{
		customers: db.Collection(CustomersCollection),
		orders:    db.Collection(OrdersCollection),
		log:       log,
	}
}

// unlinkedFilter khớp document chưa có (hoặc có rỗng) loyaltyCustomerId
func unlinkedFilter() bson.M {
	return bson.M{"loyaltyCustomerId": bson.M{"$in": bson.A{nil, ""}}}
}

// ListRoleCustomerIDs trả về ID các tài khoản có role customer chưa liên kết Loyalty
func (d *MongoDirectory) ListRoleCustomerIDs(ctx context.Context) ([]int64, error) {
	filter := unlinkedFilter()
	filter["roles"] = CustomerRole
	return d.findIDs(ctx, filter)
}

// ListOrderCustomerIDs trả về ID khách hàng xuất hiện trong đơn hàng mà chưa liên kết Loyalty
// (gồm cả khách vãng lai chưa có document trong customers)
func (d *MongoDirectory) ListOrderCustomerIDs(ctx context.Context) ([]int64, error) {
	raw, err := d.orders.Distinct(ctx, "customerId", bson.M{"customerId": bson.M{"$gt": 0}})
	if err != nil {
		return nil, fmt.Errorf("lỗi khi lấy customerId từ orders: %w", err)
	}
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		if id, ok := toInt64(v); ok && id > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ids, nil
	}

	linked, err := d.findIDs(ctx, bson.M{
		"_id":               bson.M{"$in": ids},
		"loyaltyCustomerId": bson.M{"$nin": bson.A{nil, ""}},
	})
	if err != nil {
		return nil, err
	}
	skip := make(map[int64]bool, len(linked))
	for _, id := range linked {
		skip[id] = true
	}

	out := ids[:0]
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ListUnimportedLinkedIDs trả về ID khách hàng đã liên kết nhưng chưa được import điểm lịch sử
func (d *MongoDirectory) ListUnimportedLinkedIDs(ctx context.Context) ([]int64, error) {
	return d.findIDs(ctx, bson.M{
		"loyaltyCustomerId":     bson.M{"$nin": bson.A{nil, ""}},
		"loyaltyPointsImported": bson.M{"$ne": true},
	})
}

func (d *MongoDirectory) findIDs(ctx context.Context, filter bson.M) ([]int64, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := d.customers.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("lỗi khi truy vấn customers: %w", err)
	}
	defer cursor.Close(ctx)

	ids := make([]int64, 0)
	for cursor.Next(ctx) {
		var doc struct {
			ID interface{} `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			d.log.WithError(err).Warn("⚠️ Bỏ qua document customers không đọc được")
			continue
		}
		if id, ok := toInt64(doc.ID); ok {
			ids = append(ids, id)
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("lỗi khi đọc cursor customers: %w", err)
	}
	return ids, nil
}

// GetCustomer đọc khách hàng theo ID. Khách vãng lai chưa có document được dựng
// từ thông tin billing của đơn hàng gần nhất.
func (d *MongoDirectory) GetCustomer(ctx context.Context, id int64) (LocalCustomer, error) {
	var c LocalCustomer
	err := d.customers.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return LocalCustomer{}, fmt.Errorf("lỗi khi đọc khách hàng %d: %w", id, err)
	}

	var order orderDocument
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	err = d.orders.FindOne(ctx, bson.M{"customerId": id}, opts).Decode(&order)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return LocalCustomer{}, fmt.Errorf("%w: %d", ErrLocalCustomerNotFound, id)
	}
	if err != nil {
		return LocalCustomer{}, fmt.Errorf("lỗi khi đọc đơn hàng của khách %d: %w", id, err)
	}
	return LocalCustomer{
		ID:        id,
		FirstName: order.Billing.FirstName,
		LastName:  order.Billing.LastName,
		Email:     order.Billing.Email,
		Phone:     order.Billing.Phone,
		Guest:     true,
	}, nil
}

// SetRemoteID lưu ID trên Loyalty vào document khách hàng (tạo document cho khách vãng lai nếu chưa có)
func (d *MongoDirectory) SetRemoteID(ctx context.Context, id int64, remoteID string, linkedAt time.Time) error {
	_, err := d.customers.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set":         bson.M{"loyaltyCustomerId": remoteID, "loyaltyLinkedAt": linkedAt},
			"$setOnInsert": bson.M{"guest": true},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("lỗi khi lưu loyaltyCustomerId cho khách %d: %w", id, err)
	}
	return nil
}

// GetHistoricalOrderTotal tính tổng giá trị các đơn hàng hợp lệ của khách
func (d *MongoDirectory) GetHistoricalOrderTotal(ctx context.Context, id int64) (float64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"customerId": id, "status": bson.M{"$in": QualifyingOrderStatuses}}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$total"}}}},
	}
	cursor, err := d.orders.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("lỗi khi tính tổng đơn hàng của khách %d: %w", id, err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Total float64 `bson:"total"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return 0, fmt.Errorf("lỗi khi đọc tổng đơn hàng của khách %d: %w", id, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Total, nil
}

// MarkPointsImported đánh dấu khách hàng đã được import điểm lịch sử
func (d *MongoDirectory) MarkPointsImported(ctx context.Context, id int64, points int64, at time.Time) error {
	_, err := d.customers.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"loyaltyPointsImported":       true,
			"loyaltyPointsImportedAt":     at,
			"loyaltyPointsImportedAmount": points,
		}})
	if err != nil {
		return fmt.Errorf("lỗi khi đánh dấu đã import điểm cho khách %d: %w", id, err)
	}
	return nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
