package logger

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

const stdLogLoggerName = "stdlog"

// StdLogBridge là io.Writer chuyển output của standard log package sang logrus.
// Mỗi dòng hoàn chỉnh thành một entry Info của logger "stdlog".
// Dùng cho log.Printf trong config và log của net/http server.
type StdLogBridge struct {
	buf  bytes.Buffer
	mu   sync.Mutex
	emit func(line string)
}

// NewStdLogBridge tạo bridge để dùng với log.SetOutput(bridge)
func NewStdLogBridge() io.Writer {
	return &StdLogBridge{emit: func(line string) {
		GetLogger(stdLogLoggerName).WithField("source", "stdlog").Info(line)
	}}
}

// Write gom dữ liệu theo dòng, phần chưa có \n được giữ lại cho lần ghi sau
func (b *StdLogBridge) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n = len(p)
	_, _ = b.buf.Write(p)
	for {
		line, err := b.buf.ReadString('\n')
		if err == io.EOF {
			b.buf.WriteString(line)
			break
		}
		line = strings.TrimRight(strings.TrimSuffix(line, "\n"), "\r")
		if line != "" {
			b.emit(line)
		}
	}
	return n, nil
}
