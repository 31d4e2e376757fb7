package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type telegramNotifier struct {
	client *resty.Client
	token  string
	chatID string
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// NewTelegramNotifier 通过 Bot API 的 sendMessage 发送 Markdown 消息
func NewTelegramNotifier(apiBase, token, chatID string, timeout time.Duration) Notifier {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(apiBase, "/"))
	client.SetTimeout(timeout)
	return &telegramNotifier{client: client, token: token, chatID: chatID}
}

func (tn *telegramNotifier) Send(ctx context.Context, text string) error {
	var result telegramResponse
	res, err := tn.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    tn.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		SetResult(&result).
		SetError(&result).
		Post("/bot" + tn.token + "/sendMessage")
	if err != nil {
		return tn.transportError(err)
	}
	if res.IsError() || !result.OK {
		return fmt.Errorf("Telegram 返回错误: 状态码 %d %s", res.StatusCode(), result.Description)
	}
	return nil
}

// transportError 请求地址里带着 bot token,错误信息中去掉地址
func (tn *telegramNotifier) transportError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("发送 Telegram 消息失败: %s: %w", uerr.Op, uerr.Err)
	}
	return fmt.Errorf("发送 Telegram 消息失败: %s", strings.ReplaceAll(err.Error(), tn.token, "<token>"))
}
