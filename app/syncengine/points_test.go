package syncengine

import (
	"context"
	"testing"
	"time"

	"agent_loyalty/app/integrations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointRule_Points(t *testing.T) {
	rule := PointRule{DefaultRate: 1, TierRates: map[string]float64{"gold": 2, "silver": 1.5}}

	tests := []struct {
		name  string
		total float64
		tier  string
		want  int64
	}{
		{"default rate floors", 99.99, "", 99},
		{"tier rate", 100, "gold", 200},
		{"tier is case insensitive", 10.5, " Silver ", 15},
		{"unknown tier uses default", 42, "bronze", 42},
		{"zero total", 0, "gold", 0},
		{"negative total", -20, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rule.Points(tt.total, tt.tier))
		})
	}
}

func TestPointImporter(t *testing.T) {
	dir := newFakeDirectory()
	dir.add(integrations.LocalCustomer{ID: 1, RemoteID: "L-1"}, 250.4)
	dir.add(integrations.LocalCustomer{ID: 2, RemoteID: "L-2"}, 0)
	dir.add(integrations.LocalCustomer{ID: 3, RemoteID: "L-3", PointsImported: true}, 100)
	dir.add(integrations.LocalCustomer{ID: 4}, 100)
	remote := newFakeRemote()
	p := NewPointImporter(dir, remote, PointRule{DefaultRate: 1}, "import", func() time.Time { return t0 }, quietLogger())

	ids, err := p.GetCandidates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []CustomerID{1, 2}, ids)

	res := p.ProcessBatch(context.Background(), []CustomerID{1, 2, 3, 4, 5})
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 2, res.Failed)
	assert.Contains(t, res.Errors, CustomerID(4))
	assert.Contains(t, res.Errors, CustomerID(5))

	assert.Equal(t, []pointCall{{RemoteID: "L-1", Amount: 250, Channel: "import"}}, remote.points)
	assert.Equal(t, int64(250), dir.imported[1])
	assert.True(t, dir.customer(2).PointsImported)

	ids, err = p.GetCandidates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPointImporter_RemoteFailureKeepsCustomerPending(t *testing.T) {
	dir := newFakeDirectory()
	dir.add(integrations.LocalCustomer{ID: 1, RemoteID: "L-1"}, 30)
	remote := newFakeRemote()
	remote.pointsErr = &integrations.TransportError{Op: "adjust points", Err: errRemoteDown}
	p := NewPointImporter(dir, remote, PointRule{DefaultRate: 1}, "import", nil, quietLogger())

	res := p.ProcessBatch(context.Background(), []CustomerID{1})
	assert.Equal(t, 1, res.Failed)
	assert.False(t, dir.customer(1).PointsImported)

	ids, err := p.GetCandidates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []CustomerID{1}, ids)
}
