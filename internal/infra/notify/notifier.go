// Package notify 通知发送端: Telegram 或日志
package notify

import (
	"context"
	"log/slog"
)

// Notifier 发送一条文本通知
type Notifier interface {
	Send(ctx context.Context, text string) error
}

type logNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier 未配置 Telegram 时只把通知写进日志
func NewLogNotifier(logger *slog.Logger) Notifier {
	return &logNotifier{logger: logger}
}

func (ln *logNotifier) Send(ctx context.Context, text string) error {
	ln.logger.InfoContext(ctx, "notify: 通知", "text", text)
	return nil
}
