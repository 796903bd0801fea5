package syncengine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"agent_loyalty/app/integrations"

	"github.com/sirupsen/logrus"
)

// BatchSynchronizer liên kết một batch khách hàng với Loyalty.
// Gọi lại cùng một batch nhiều lần là an toàn: ID đã liên kết và còn tồn tại trên Loyalty được bỏ qua.
type BatchSynchronizer struct {
	dir     CustomerDirectory
	remote  RemoteCustomerClient
	awarder *pointAwarder
	now     func() time.Time
	log     *logrus.Entry
}

// NewBatchSynchronizer tạo synchronizer. Điểm lịch sử được cộng theo rule ngay khi liên kết.
func NewBatchSynchronizer(dir CustomerDirectory, remote RemoteCustomerClient, rule PointRule, channel string, now func() time.Time, log *logrus.Entry) *BatchSynchronizer {
	if now == nil {
		now = time.Now
	}
	return &BatchSynchronizer{
		dir:     dir,
		remote:  remote,
		awarder: &pointAwarder{dir: dir, remote: remote, rule: rule, channel: channel, now: now},
		now:     now,
		log:     log,
	}
}

type pendingCreate struct {
	customer integrations.LocalCustomer
	payload  integrations.CustomerPayload
}

// ProcessBatch xử lý một batch và trả về kết quả tổng hợp
func (s *BatchSynchronizer) ProcessBatch(ctx context.Context, ids []CustomerID) BatchResult {
	result := newBatchResult(ids)
	creates := make([]pendingCreate, 0, len(ids))

	// Bước 1: tách ID đã liên kết (bỏ qua) và ID cần tạo mới
	for _, id := range ids {
		c, err := s.dir.GetCustomer(ctx, id)
		if err != nil {
			result.fail(id, "không đọc được khách hàng: "+err.Error())
			continue
		}
		if c.RemoteID != "" {
			_, err := s.remote.GetCustomer(ctx, c.RemoteID)
			switch {
			case err == nil:
				result.Skipped++
				continue
			case errors.Is(err, integrations.ErrCustomerNotFound):
				s.log.WithFields(logrus.Fields{"customer_id": id, "remote_id": c.RemoteID}).
					Info("🔗 ID Loyalty cũ không còn tồn tại, tạo lại khách hàng")
			default:
				result.fail(id, "existence check failed: "+err.Error())
				continue
			}
		}
		creates = append(creates, pendingCreate{customer: c, payload: toPayload(c)})
	}

	if len(creates) == 0 {
		return result
	}

	// Bước 2-3: bulk create, lỗi thì cả nhóm thất bại
	payloads := make([]integrations.CustomerPayload, len(creates))
	for i, pc := range creates {
		payloads[i] = pc.payload
	}
	bulk, err := s.remote.BulkCreate(ctx, payloads)
	if err != nil {
		s.log.WithError(err).WithField("count", len(creates)).Error("❌ Bulk create thất bại")
		for _, pc := range creates {
			result.fail(pc.customer.ID, err.Error())
		}
		return result
	}

	// Bước 4-5: ghép ID trả về theo vị trí
	for i, pc := range creates {
		id := pc.customer.ID
		if i >= len(bulk.IDs) {
			result.fail(id, ErrNotFoundInResponse.Error())
			continue
		}
		remoteID := bulk.IDs[i]
		if remoteID == "" {
			result.fail(id, ErrNoCustomerID.Error())
			continue
		}
		if err := s.dir.SetRemoteID(ctx, id, remoteID, s.now()); err != nil {
			result.fail(id, "không lưu được ID Loyalty "+remoteID+": "+err.Error())
			continue
		}
		result.Successful++

		points, err := s.awarder.award(ctx, pc.customer, remoteID)
		log := s.log.WithFields(logrus.Fields{"customer_id": id, "remote_id": remoteID})
		if err != nil {
			log.WithError(err).Warn("⚠️ Cộng điểm lịch sử thất bại, sẽ thử lại ở lượt import")
			continue
		}
		if points > 0 {
			log.WithField("points", points).Debug("🎁 Đã cộng điểm lịch sử")
		}
	}
	return result
}

func toPayload(c integrations.LocalCustomer) integrations.CustomerPayload {
	meta := map[string]string{"local_id": strconv.FormatInt(c.ID, 10)}
	if c.Guest {
		meta["guest"] = "true"
	}
	if c.Tier != "" {
		meta["tier"] = c.Tier
	}
	return integrations.CustomerPayload{
		Name:     c.DisplayName(),
		Email:    c.Email,
		Phone:    c.Phone,
		Metadata: meta,
	}
}
