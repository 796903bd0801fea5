package syncengine

import (
	"context"
	"fmt"
	"sort"
)

// CandidateSelector tính danh sách khách hàng chưa liên kết Loyalty:
// hợp của tài khoản có role customer và khách hàng xuất hiện trong đơn hàng, loại trùng, tăng dần.
// Toàn bộ danh sách được đọc vào bộ nhớ, không phân trang.
type CandidateSelector struct {
	dir CustomerDirectory
}

// NewCandidateSelector tạo selector trên directory
func NewCandidateSelector(dir CustomerDirectory) *CandidateSelector {
	return &CandidateSelector{dir: dir}
}

// GetCandidates không có side effect, gọi nhiều lần cho cùng kết quả nếu dữ liệu không đổi
func (s *CandidateSelector) GetCandidates(ctx context.Context) ([]CustomerID, error) {
	roleIDs, err := s.dir.ListRoleCustomerIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("lỗi khi lấy khách hàng theo role: %w", err)
	}
	orderIDs, err := s.dir.ListOrderCustomerIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("lỗi khi lấy khách hàng từ đơn hàng: %w", err)
	}
	return mergeIDs(roleIDs, orderIDs), nil
}

func mergeIDs(lists ...[]CustomerID) []CustomerID {
	seen := make(map[CustomerID]struct{})
	out := make([]CustomerID, 0)
	for _, list := range lists {
		for _, id := range list {
			if id <= 0 {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
