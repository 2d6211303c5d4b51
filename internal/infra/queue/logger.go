package queue

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
)

// slogLogger routes asynq's internal logging to slog.
type slogLogger struct {
	log *slog.Logger
}

// NewLogger returns an asynq.Logger writing to log.
func NewLogger(log *slog.Logger) asynq.Logger {
	return &slogLogger{log: log}
}

func (l *slogLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l *slogLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l *slogLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l *slogLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }

func (l *slogLogger) Fatal(args ...interface{}) {
	l.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}

func logEnqueued(info *asynq.TaskInfo) {
	if info == nil {
		return
	}
	slog.Debug("Task enqueued", "id", info.ID, "queue", info.Queue, "type", info.Type)
}
