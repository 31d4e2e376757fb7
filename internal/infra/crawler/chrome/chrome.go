package chrome

import (
	"context"
	"errors"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/types"
)

var (
	// ErrResponseTimeout 在超时时间内没有等到目标响应
	ErrResponseTimeout = errors.New("等待网络响应超时")
	// ErrPageClosed 页面已关闭
	ErrPageClosed = errors.New("页面已关闭")
)

// FetchSession 浏览器会话;每次 Load 打开一个独占页面,调用方负责 Close
type FetchSession interface {
	Load(ctx context.Context, url string, wait types.WaitPolicy, timeout time.Duration) (Page, error)
	Close() error
}

// Page 已完成导航的页面,导航开始后的所有网络响应都会被记录
type Page interface {
	HTML(ctx context.Context) (string, error)
	// AwaitResponse 等待 URL 完全匹配的响应;导航期间已经完成的响应也会返回
	AwaitResponse(ctx context.Context, url string, timeout time.Duration) (*types.NetworkResponse, error)
	Close() error
}
