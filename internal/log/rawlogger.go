package log

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// RawLogger records every frame crossing the serial link.
type RawLogger interface {
	// Log writes one line for data; tx is true for host to device.
	Log(tx bool, data []byte)
}

type rawLogger struct {
	w   io.Writer
	mu  sync.Mutex
	now func() time.Time
}

// NewRaw returns a RawLogger writing to w. A nil writer yields a no-op logger.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w, now: time.Now}
}

func (r *rawLogger) Log(tx bool, data []byte) {
	if r.w == nil || len(data) == 0 {
		return
	}
	dir := "RX"
	if tx {
		dir = "TX"
	}
	line := fmt.Sprintf("%s %s %2d bytes: %s\n",
		r.now().Format("2006/01/02 15:04:05.000"), dir, len(data), Hex(data))

	r.mu.Lock()
	_, _ = io.WriteString(r.w, line)
	r.mu.Unlock()
}

// Hex formats data as space separated lower-case hex pairs.
func Hex(data []byte) string {
	const digits = "0123456789abcdef"
	var sb strings.Builder
	sb.Grow(len(data) * 3)
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte(digits[b>>4])
		sb.WriteByte(digits[b&0x0f])
	}
	return sb.String()
}
