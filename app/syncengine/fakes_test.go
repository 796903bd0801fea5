package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agent_loyalty/app/integrations"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type fakeDirectory struct {
	mu           sync.Mutex
	customers    map[CustomerID]*integrations.LocalCustomer
	totals       map[CustomerID]float64
	roleIDs      []CustomerID
	orderIDs     []CustomerID
	listErr      error
	setRemoteErr map[CustomerID]error
	imported     map[CustomerID]int64
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		customers:    make(map[CustomerID]*integrations.LocalCustomer),
		totals:       make(map[CustomerID]float64),
		setRemoteErr: make(map[CustomerID]error),
		imported:     make(map[CustomerID]int64),
	}
}

func (d *fakeDirectory) add(c integrations.LocalCustomer, total float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cc := c
	d.customers[c.ID] = &cc
	d.totals[c.ID] = total
}

func (d *fakeDirectory) customer(id CustomerID) integrations.LocalCustomer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.customers[id]
}

// ListRoleCustomerIDs bỏ qua khách đã có ID Loyalty, giống truy vấn thật
func (d *fakeDirectory) ListRoleCustomerIDs(context.Context) ([]CustomerID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]CustomerID, 0, len(d.roleIDs))
	for _, id := range d.roleIDs {
		if c, ok := d.customers[id]; ok && c.RemoteID != "" {
			continue
		}
		ids = append(ids, id)
	}
	return ids, d.listErr
}

func (d *fakeDirectory) ListOrderCustomerIDs(context.Context) ([]CustomerID, error) {
	return d.orderIDs, nil
}

func (d *fakeDirectory) ListUnimportedLinkedIDs(context.Context) ([]CustomerID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	ids := make([]CustomerID, 0)
	for id, c := range d.customers {
		if c.RemoteID != "" && !c.PointsImported {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (d *fakeDirectory) GetCustomer(_ context.Context, id CustomerID) (integrations.LocalCustomer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.customers[id]
	if !ok {
		return integrations.LocalCustomer{}, integrations.ErrLocalCustomerNotFound
	}
	return *c, nil
}

func (d *fakeDirectory) SetRemoteID(_ context.Context, id CustomerID, remoteID string, linkedAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.setRemoteErr[id]; err != nil {
		return err
	}
	c := d.customers[id]
	c.RemoteID = remoteID
	c.LinkedAt = linkedAt
	return nil
}

func (d *fakeDirectory) GetHistoricalOrderTotal(_ context.Context, id CustomerID) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totals[id], nil
}

func (d *fakeDirectory) MarkPointsImported(_ context.Context, id CustomerID, points int64, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customers[id].PointsImported = true
	d.imported[id] = points
	return nil
}

type pointCall struct {
	RemoteID string
	Amount   int64
	Channel  string
}

type fakeRemote struct {
	mu        sync.Mutex
	existing  map[string]bool
	getErr    error
	bulkErr   error
	bulkErrAt map[int]error // lỗi cho lần gọi BulkCreate thứ n (bắt đầu từ 1)
	bulkIDs   func(n int) []string
	pointsErr error
	bulkCalls [][]integrations.CustomerPayload
	points    []pointCall
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{existing: make(map[string]bool)}
}

func (r *fakeRemote) BulkCreate(_ context.Context, customers []integrations.CustomerPayload) (integrations.BulkResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bulkCalls = append(r.bulkCalls, customers)
	if r.bulkErr != nil {
		return integrations.BulkResult{}, r.bulkErr
	}
	if err := r.bulkErrAt[len(r.bulkCalls)]; err != nil {
		return integrations.BulkResult{}, err
	}
	if r.bulkIDs != nil {
		return integrations.BulkResult{IDs: r.bulkIDs(len(customers))}, nil
	}
	ids := make([]string, len(customers))
	for i, c := range customers {
		ids[i] = "L-" + c.Metadata["local_id"]
		r.existing[ids[i]] = true
	}
	return integrations.BulkResult{IDs: ids}, nil
}

func (r *fakeRemote) GetCustomer(_ context.Context, remoteID string) (integrations.CustomerSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return integrations.CustomerSnapshot{}, r.getErr
	}
	if !r.existing[remoteID] {
		return integrations.CustomerSnapshot{}, fmt.Errorf("customer %s: %w", remoteID, integrations.ErrCustomerNotFound)
	}
	return integrations.CustomerSnapshot{ID: remoteID}, nil
}

func (r *fakeRemote) AdjustPoints(_ context.Context, remoteID string, amount int64, _ integrations.PointDirection, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pointsErr != nil {
		return r.pointsErr
	}
	r.points = append(r.points, pointCall{RemoteID: remoteID, Amount: amount, Channel: channel})
	return nil
}

var errRemoteDown = errors.New("dial tcp: connection refused")
