package obs

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"time"
)

type Logger struct {
	l *log.Logger
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout)
}

// NewLoggerTo writes JSON lines to w.
func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{
		l: log.New(w, "", 0),
	}
}

func (lg *Logger) Info(fields map[string]interface{}) {
	lg.write("info", fields)
}

func (lg *Logger) Error(fields map[string]interface{}) {
	lg.write("error", fields)
}

func (lg *Logger) write(level string, fields map[string]interface{}) {
	if lg == nil {
		return
	}
	fields["level"] = level
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	b, err := json.Marshal(fields)
	if err != nil {
		b, _ = json.Marshal(map[string]interface{}{
			"level":      "error",
			"ts":         fields["ts"],
			"op":         fields["op"],
			"encode_err": err.Error(),
		})
	}
	lg.l.Println(string(b))
}
