/*
Package scheduler cung cấp chức năng quản lý và thực thi các tác vụ định kỳ (cron jobs).
Package này sử dụng thư viện robfig/cron để quản lý việc lập lịch các tác vụ.

Các tính năng chính:
- Khởi tạo và quản lý scheduler
- Thêm/xóa/theo dõi các jobs
- Đồng bộ hóa truy cập vào scheduler thông qua mutex
- Hỗ trợ định dạng cron expression với độ chính xác đến giây
*/
package scheduler

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler quản lý các cron jobs, thread-safe thông qua RWMutex.
type Scheduler struct {
	cron *cron.Cron
	// jobs lưu map giữa tên job và ID của nó trong cron scheduler
	jobs    map[string]cron.EntryID
	objects map[string]Job
	mu      sync.RWMutex

	// ctx được truyền cho mọi lần Execute, bị huỷ khi Stop
	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry
}

// NewScheduler tạo Scheduler với cron có độ chính xác đến giây
func NewScheduler(log *logrus.Entry) *Scheduler {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		jobs:    make(map[string]cron.EntryID),
		objects: make(map[string]Job),
		ctx:     ctx,
		cancel:  cancel,
		log:     log.WithField("component", "scheduler"),
	}
}

// Start khởi động scheduler. Job mới vẫn có thể được thêm sau khi Start.
func (s *Scheduler) Start() {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	s.log.WithFields(logrus.Fields{"job_count": len(names), "jobs": names}).Info("🚀 Đang khởi động cron scheduler...")
	s.cron.Start()
	s.log.Info("✅ Cron scheduler đã được khởi động!")
}

// Stop dừng nhận lịch mới, huỷ context của các job đang chạy.
// Context trả về được đóng khi mọi job đang chạy đã kết thúc.
func (s *Scheduler) Stop() context.Context {
	s.cancel()
	return s.cron.Stop()
}

// AddJob thêm một hàm chạy theo biểu thức cron. Job trùng tên sẽ bị thay thế.
func (s *Scheduler) AddJob(name string, spec string, job func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.jobs[name]; exists {
		s.log.WithFields(logrus.Fields{"job_name": name, "entry_id": id}).Warn("Job đã tồn tại, đang xóa job cũ")
		s.cron.Remove(id)
		delete(s.jobs, name)
		delete(s.objects, name)
	}

	id, err := s.cron.AddFunc(spec, job)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"job_name": name, "spec": spec}).Error("❌ Lỗi khi thêm job vào cron")
		return err
	}
	s.jobs[name] = id
	s.log.WithFields(logrus.Fields{"job_name": name, "spec": spec, "entry_id": id}).Debug("✅ Job đã được thêm vào cron")
	return nil
}

// AddJobObject đăng ký một Job: tự tạo wrapper gọi Execute và bắt panic để không làm sập agent.
func (s *Scheduler) AddJobObject(job Job) error {
	name := job.GetName()
	spec := job.GetSchedule()

	wrapperFunc := func() {
		s.runJob(job)
	}

	if err := s.AddJob(name, spec, wrapperFunc); err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[name] = job
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"job_name": name, "spec": spec}).Info("✅ Đã đăng ký job thành công")
	return nil
}

// runJob chạy job một lần, panic được chuyển thành log lỗi
func (s *Scheduler) runJob(job Job) {
	name := job.GetName()
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			s.log.WithFields(logrus.Fields{
				"job_name": name,
				"panic":    r,
				"stack":    string(buf[:n]),
			}).Error("🚨 PANIC trong job")
		}
	}()

	if err := job.Execute(s.ctx); err != nil {
		s.log.WithError(err).WithField("job_name", name).Error("❌ Lỗi khi thực thi job")
	}
}

// RemoveJob xóa job khỏi scheduler. Không có job thì không làm gì.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.jobs[name]; exists {
		s.cron.Remove(id)
		delete(s.jobs, name)
		delete(s.objects, name)
	}
}

// GetJobs trả về bản sao map tên job -> ID trong cron.
func (s *Scheduler) GetJobs() map[string]cron.EntryID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make(map[string]cron.EntryID, len(s.jobs))
	for k, v := range s.jobs {
		jobs[k] = v
	}
	return jobs
}

// JobsMetadata trả về metadata của các job đã đăng ký, sắp theo tên, kèm thời điểm chạy kế tiếp
func (s *Scheduler) JobsMetadata() []JobMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobMetadata, 0, len(s.jobs))
	for name, id := range s.jobs {
		meta := JobMetadata{Name: name}
		if job, ok := s.objects[name]; ok {
			meta.Schedule = job.GetSchedule()
			if mp, ok := job.(MetadataProvider); ok {
				meta = mp.Metadata()
			}
		}
		meta.NextRun = s.cron.Entry(id).Next
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
