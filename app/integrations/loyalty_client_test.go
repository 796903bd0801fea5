package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *LoyaltyClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	l, _ := test.NewNullLogger()
	return NewLoyaltyClient(srv.URL, "secret", time.Second, time.Millisecond, logrus.NewEntry(l),
		WithRetryPolicy(3, time.Millisecond))
}

func TestBulkCreate_PositionalIDs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/customers", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var in []CustomerPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Len(t, in, 3)
		_, _ = w.Write([]byte(`[{"id": 101}, {"name": "no id"}, {"id": "abc-7"}]`))
	})

	res, err := c.BulkCreate(context.Background(), []CustomerPayload{{Name: "A"}, {Name: "B"}, {Name: "C"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"101", "", "abc-7"}, res.IDs)
}

func TestBulkCreate_RejectsNonArrayShapes(t *testing.T) {
	cases := map[string]string{
		"failure envelope": `{"success": false, "error": "invalid email"}`,
		"wrapped data":     `{"data": [{"id": 1}]}`,
		"empty body":       ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := c.BulkCreate(context.Background(), []CustomerPayload{{Name: "A"}})
			var appErr *ApplicationError
			require.ErrorAs(t, err, &appErr)
		})
	}
}

func TestBulkCreate_FailureEnvelopeMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "error": "invalid email"}`))
	})
	_, err := c.BulkCreate(context.Background(), []CustomerPayload{{Name: "A"}})
	assert.ErrorContains(t, err, "invalid email")
}

func TestBulkCreate_RequiresDisplayName(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { atomic.AddInt32(&calls, 1) })

	_, err := c.BulkCreate(context.Background(), []CustomerPayload{{Name: " "}})
	var appErr *ApplicationError
	assert.ErrorAs(t, err, &appErr)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestBulkCreate_ServerErrorIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.BulkCreate(context.Background(), []CustomerPayload{{Name: "A"}})
	assert.True(t, IsTransportError(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "POST không được gửi lại khi server lỗi")
}

func TestBulkCreate_RetriesOnRateLimit(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[{"id": 1}]`))
	})

	res, err := c.BulkCreate(context.Background(), []CustomerPayload{{Name: "A"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, res.IDs)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestBulkCreate_AuthError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.BulkCreate(context.Background(), []CustomerPayload{{Name: "A"}})
	assert.True(t, IsAuthError(err))
}

func TestGetCustomer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/customer/7":
			_, _ = w.Write([]byte(`{"id": 7, "name": "An", "points": 40}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	snap, err := c.GetCustomer(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, "7", snap.ID)
	assert.Equal(t, int64(40), snap.Points)

	_, err = c.GetCustomer(context.Background(), "8")
	assert.ErrorIs(t, err, ErrCustomerNotFound)
}

func TestGetCustomer_EscapesRemoteID(t *testing.T) {
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{"id": "a/b?x"}`))
	})

	snap, err := c.GetCustomer(context.Background(), "a/b?x")
	require.NoError(t, err)
	assert.Equal(t, "/customer/a%2Fb%3Fx", path)
	assert.Equal(t, "a/b?x", snap.ID)
}

func TestGetCustomer_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id": "x"}`))
	})

	snap, err := c.GetCustomer(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x", snap.ID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetCustomer_GivesUpAsTransportError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.GetCustomer(context.Background(), "x")
	assert.True(t, IsTransportError(err))
	assert.False(t, errors.Is(err, ErrCustomerNotFound))
}

func TestAdjustPoints(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/customer/9/loyalty", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(120), body["points"])
		assert.Equal(t, "increment", body["type"])
		assert.Equal(t, "import", body["channel"])
		_, _ = w.Write([]byte(`{"success": true}`))
	})

	require.NoError(t, c.AdjustPoints(context.Background(), "9", 120, PointsIncrement, "import"))
}

func TestAdjustPoints_Validation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "message": "customer locked"}`))
	})

	var appErr *ApplicationError
	assert.ErrorAs(t, c.AdjustPoints(context.Background(), "9", 0, PointsIncrement, "import"), &appErr)
	assert.ErrorAs(t, c.AdjustPoints(context.Background(), "9", 5, "sideways", "import"), &appErr)
	err := c.AdjustPoints(context.Background(), "9", 5, PointsDecrement, "import")
	assert.ErrorContains(t, err, "customer locked")
}
