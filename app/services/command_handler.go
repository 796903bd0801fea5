/*
Package services chứa các services hỗ trợ cho agent.
File này xử lý lệnh vận hành gửi tới các engine (start, cancel, reset, status, pause, resume).
*/
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"agent_loyalty/app/syncengine"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownEngine được trả về khi lệnh nhắm tới engine không tồn tại
	ErrUnknownEngine = errors.New("engine không tồn tại")
	// ErrUnknownCommand được trả về khi loại lệnh không hợp lệ
	ErrUnknownCommand = errors.New("command type không hợp lệ")
)

// Các loại lệnh vận hành
const (
	CommandStart  = "start"
	CommandStatus = "status"
	CommandCancel = "cancel"
	CommandReset  = "reset"
	CommandPause  = "pause"
	CommandResume = "resume"
)

// EngineController là các thao tác người vận hành được phép gọi trên một engine
type EngineController interface {
	Name() string
	Start(ctx context.Context) (syncengine.StartResult, error)
	GetStatus(ctx context.Context) (syncengine.StatusReport, error)
	Cancel(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
	Pause(ctx context.Context) (int, error)
	Resume(ctx context.Context) (int, error)
}

// EngineCommand là một lệnh vận hành
type EngineCommand struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	Target string `json:"target"` // tên engine
}

// CommandResult là kết quả thực thi lệnh
type CommandResult struct {
	Command string      `json:"command"`
	Engine  string      `json:"engine"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// CommandHandler điều phối lệnh tới engine tương ứng
type CommandHandler struct {
	engines map[string]EngineController
	log     *logrus.Entry
}

// NewCommandHandler tạo CommandHandler cho danh sách engine
func NewCommandHandler(log *logrus.Entry, engines ...EngineController) *CommandHandler {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	h := &CommandHandler{engines: make(map[string]EngineController, len(engines)), log: log}
	for _, e := range engines {
		h.engines[e.Name()] = e
	}
	return h
}

// Engines trả về tên các engine đã đăng ký, sắp theo tên
func (h *CommandHandler) Engines() []string {
	names := make([]string, 0, len(h.engines))
	for name := range h.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteCommand thực thi lệnh trên engine cmd.Target
func (h *CommandHandler) ExecuteCommand(ctx context.Context, cmd EngineCommand) (CommandResult, error) {
	log := h.log.WithFields(logrus.Fields{"command_id": cmd.ID, "command": cmd.Type, "engine": cmd.Target})

	engine, ok := h.engines[cmd.Target]
	if !ok {
		log.Warn("❌ Engine không tồn tại")
		return CommandResult{}, fmt.Errorf("%w: %s", ErrUnknownEngine, cmd.Target)
	}
	log.Info("📨 Thực thi command")

	result := CommandResult{Command: cmd.Type, Engine: cmd.Target}
	var err error
	switch cmd.Type {
	case CommandStart:
		var res syncengine.StartResult
		res, err = engine.Start(ctx)
		result.Data, result.Message = res, res.Message
	case CommandStatus:
		var report syncengine.StatusReport
		report, err = engine.GetStatus(ctx)
		result.Data, result.Message = report, string(report.Status)
	case CommandCancel:
		var n int
		n, err = engine.Cancel(ctx)
		result.Data = map[string]int{"canceled_actions": n}
		result.Message = fmt.Sprintf("Đã huỷ %d action đang chờ", n)
	case CommandReset:
		err = engine.Reset(ctx)
		result.Message = "Đã reset trạng thái engine"
	case CommandPause:
		var n int
		n, err = engine.Pause(ctx)
		result.Data = map[string]int{"paused_batches": n}
		result.Message = fmt.Sprintf("Đã tạm dừng, giữ lại %d batch", n)
	case CommandResume:
		var n int
		n, err = engine.Resume(ctx)
		result.Data = map[string]int{"resumed_batches": n}
		result.Message = fmt.Sprintf("Đã đặt lịch lại %d batch", n)
	default:
		log.Warn("❌ Command type không hợp lệ")
		return CommandResult{}, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
	}

	if err != nil {
		log.WithError(err).Warn("⚠️ Command thất bại")
		return CommandResult{}, err
	}
	log.WithField("message", result.Message).Info("✅ Command hoàn thành")
	return result, nil
}

// Statuses trả về trạng thái của mọi engine
func (h *CommandHandler) Statuses(ctx context.Context) ([]syncengine.StatusReport, error) {
	out := make([]syncengine.StatusReport, 0, len(h.engines))
	for _, name := range h.Engines() {
		report, err := h.engines[name].GetStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine %s: %w", name, err)
		}
		out = append(out, report)
	}
	return out, nil
}
