package syncengine

import (
	"context"
	"time"

	"agent_loyalty/app/integrations"
)

// CustomerDirectory là nguồn dữ liệu khách hàng của cửa hàng (integrations.MongoDirectory)
type CustomerDirectory interface {
	ListRoleCustomerIDs(ctx context.Context) ([]CustomerID, error)
	ListOrderCustomerIDs(ctx context.Context) ([]CustomerID, error)
	ListUnimportedLinkedIDs(ctx context.Context) ([]CustomerID, error)
	GetCustomer(ctx context.Context, id CustomerID) (integrations.LocalCustomer, error)
	SetRemoteID(ctx context.Context, id CustomerID, remoteID string, linkedAt time.Time) error
	GetHistoricalOrderTotal(ctx context.Context, id CustomerID) (float64, error)
	MarkPointsImported(ctx context.Context, id CustomerID, points int64, at time.Time) error
}

// RemoteCustomerClient là Loyalty API (integrations.LoyaltyClient)
type RemoteCustomerClient interface {
	BulkCreate(ctx context.Context, customers []integrations.CustomerPayload) (integrations.BulkResult, error)
	GetCustomer(ctx context.Context, remoteID string) (integrations.CustomerSnapshot, error)
	AdjustPoints(ctx context.Context, remoteID string, amount int64, direction integrations.PointDirection, channel string) error
}
