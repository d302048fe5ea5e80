package logger

import (
	"log/slog"
	"os"
	"sync"
)

var (
	log  *slog.Logger
	once sync.Once
)

// Init sets up the process-wide JSON logger. Safe to call more than
// once.
func Init() {
	once.Do(func() {
		log = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	})
}

func attrs(fields map[string]interface{}) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func Info(event string, fields map[string]interface{}) {
	if log == nil {
		Init()
	}
	log.Info(event, attrs(fields)...)
}

func Warn(event string, fields map[string]interface{}) {
	if log == nil {
		Init()
	}
	log.Warn(event, attrs(fields)...)
}

func Error(event string, fields map[string]interface{}) {
	if log == nil {
		Init()
	}
	log.Error(event, attrs(fields)...)
}
