package integrations

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestLocalCustomer_DisplayName(t *testing.T) {
	assert.Equal(t, "An Nguyen", LocalCustomer{ID: 1, FirstName: "An", LastName: " Nguyen "}.DisplayName())
	assert.Equal(t, "Binh", LocalCustomer{ID: 1, LastName: "Binh"}.DisplayName())
	assert.Equal(t, "a@x.vn", LocalCustomer{ID: 1, Email: "a@x.vn"}.DisplayName())
	assert.Equal(t, "Customer #42", LocalCustomer{ID: 42}.DisplayName())
}

func TestToInt64(t *testing.T) {
	for _, v := range []interface{}{int64(5), int32(5), 5, float64(5)} {
		n, ok := toInt64(v)
		assert.True(t, ok)
		assert.Equal(t, int64(5), n)
	}
	_, ok := toInt64(5.5)
	assert.False(t, ok)
	_, ok = toInt64("5")
	assert.False(t, ok)
}

// newTestDirectory kết nối MongoDB thật qua MONGO_TEST_URI, bỏ qua test nếu không có
func newTestDirectory(t *testing.T) (*MongoDirectory, *mongo.Database) {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI chưa được đặt")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	db := client.Database("loyalty_directory_test_" + time.Now().Format("150405.000"))
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	l, _ := test.NewNullLogger()
	return NewMongoDirectory(db, logrus.NewEntry(l)), db
}

func TestMongoDirectory_Candidates(t *testing.T) {
	d, db := newTestDirectory(t)
	ctx := context.Background()

	_, err := db.Collection(CustomersCollection).InsertMany(ctx, []interface{}{
		bson.M{"_id": int64(1), "firstName": "An", "roles": bson.A{"customer"}},
		bson.M{"_id": int64(2), "firstName": "Binh", "roles": bson.A{"customer"}, "loyaltyCustomerId": "r2"},
		bson.M{"_id": int64(3), "firstName": "Chi", "roles": bson.A{"administrator"}},
	})
	require.NoError(t, err)
	_, err = db.Collection(OrdersCollection).InsertMany(ctx, []interface{}{
		bson.M{"customerId": int64(2), "status": "completed", "total": 100.0},
		bson.M{"customerId": int64(3), "status": "completed", "total": 50.0},
		bson.M{"customerId": int64(3), "status": "cancelled", "total": 999.0},
		bson.M{"customerId": int64(9), "status": "processing", "total": 20.0,
			"billing": bson.M{"firstName": "Guest", "email": "g@x.vn"}},
		bson.M{"customerId": int64(0), "status": "completed", "total": 5.0},
	})
	require.NoError(t, err)

	roleIDs, err := d.ListRoleCustomerIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, roleIDs)

	orderIDs, err := d.ListOrderCustomerIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 9}, orderIDs)

	total, err := d.GetHistoricalOrderTotal(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 50.0, total)

	guest, err := d.GetCustomer(ctx, 9)
	require.NoError(t, err)
	assert.True(t, guest.Guest)
	assert.Equal(t, "Guest", guest.DisplayName())

	_, err = d.GetCustomer(ctx, 404)
	assert.ErrorIs(t, err, ErrLocalCustomerNotFound)

	require.NoError(t, d.SetRemoteID(ctx, 9, "r9", time.Now()))
	unimported, err := d.ListUnimportedLinkedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 9}, unimported)

	require.NoError(t, d.MarkPointsImported(ctx, 2, 100, time.Now()))
	unimported, err = d.ListUnimportedLinkedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, unimported)
}
