package syncengine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"agent_loyalty/app/integrations"

	"github.com/sirupsen/logrus"
)

// PointRule là quy tắc quy đổi tổng chi tiêu ra điểm
type PointRule struct {
	DefaultRate float64
	TierRates   map[string]float64 // key là tên tier viết thường
}

// Rate trả về hệ số điểm của tier, dùng DefaultRate nếu tier không có cấu hình
func (r PointRule) Rate(tier string) float64 {
	if rate, ok := r.TierRates[strings.ToLower(strings.TrimSpace(tier))]; ok {
		return rate
	}
	return r.DefaultRate
}

// Points = floor(total × rate), không âm
func (r PointRule) Points(total float64, tier string) int64 {
	p := math.Floor(total * r.Rate(tier))
	if p <= 0 || math.IsNaN(p) {
		return 0
	}
	return int64(p)
}

// pointAwarder cộng điểm lịch sử cho một khách hàng đã liên kết
type pointAwarder struct {
	dir     CustomerDirectory
	remote  RemoteCustomerClient
	rule    PointRule
	channel string
	now     func() time.Time
}

// award tính điểm từ các đơn hàng hợp lệ, gọi AdjustPoints và đánh dấu đã import.
// Trả về số điểm đã cộng (0 nếu không có gì để cộng).
func (a *pointAwarder) award(ctx context.Context, c integrations.LocalCustomer, remoteID string) (int64, error) {
	total, err := a.dir.GetHistoricalOrderTotal(ctx, c.ID)
	if err != nil {
		return 0, err
	}
	points := a.rule.Points(total, c.Tier)
	if points > 0 {
		if err := a.remote.AdjustPoints(ctx, remoteID, points, integrations.PointsIncrement, a.channel); err != nil {
			return 0, err
		}
	}
	if err := a.dir.MarkPointsImported(ctx, c.ID, points, a.now()); err != nil {
		return points, err
	}
	return points, nil
}

// PointImporter import điểm lịch sử cho các khách hàng đã liên kết nhưng chưa được cộng điểm
type PointImporter struct {
	dir     CustomerDirectory
	awarder *pointAwarder
	log     *logrus.Entry
}

// NewPointImporter tạo importer
func NewPointImporter(dir CustomerDirectory, remote RemoteCustomerClient, rule PointRule, channel string, now func() time.Time, log *logrus.Entry) *PointImporter {
	if now == nil {
		now = time.Now
	}
	return &PointImporter{
		dir:     dir,
		awarder: &pointAwarder{dir: dir, remote: remote, rule: rule, channel: channel, now: now},
		log:     log,
	}
}

// GetCandidates trả về khách hàng đã liên kết nhưng chưa import điểm
func (p *PointImporter) GetCandidates(ctx context.Context) ([]CustomerID, error) {
	ids, err := p.dir.ListUnimportedLinkedIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("lỗi khi lấy khách hàng chưa import điểm: %w", err)
	}
	return mergeIDs(ids), nil
}

// ProcessBatch import điểm cho từng khách hàng trong batch.
// Khách hàng có 0 điểm vẫn được đánh dấu đã import và tính là skipped.
func (p *PointImporter) ProcessBatch(ctx context.Context, ids []CustomerID) BatchResult {
	result := newBatchResult(ids)
	for _, id := range ids {
		c, err := p.dir.GetCustomer(ctx, id)
		if err != nil {
			result.fail(id, "không đọc được khách hàng: "+err.Error())
			continue
		}
		if c.RemoteID == "" {
			result.fail(id, "khách hàng chưa liên kết Loyalty")
			continue
		}
		if c.PointsImported {
			result.Skipped++
			continue
		}

		points, err := p.awarder.award(ctx, c, c.RemoteID)
		if err != nil {
			p.log.WithError(err).WithField("customer_id", id).Warn("⚠️ Import điểm thất bại")
			result.fail(id, "import điểm thất bại: "+err.Error())
			continue
		}
		if points == 0 {
			result.Skipped++
			continue
		}
		result.Successful++
	}
	return result
}
