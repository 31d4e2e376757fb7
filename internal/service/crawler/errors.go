package crawler

import (
	"errors"
	"fmt"
)

var (
	ErrRateLimited      = errors.New("请求被限流")
	ErrDecodeFailure    = errors.New("响应解析失败")
	ErrTransportFailure = errors.New("导航或网络错误")
	// ErrExhausted 重试次数用尽
	ErrExhausted = errors.New("重试次数用尽")
	// ErrEmptyCatalog 列表接口与 DOM 兜底都没有拿到实体
	ErrEmptyCatalog = errors.New("实体列表为空")
)

// FailureKind 可重试错误的类别,每类有自己的退避节奏
type FailureKind int

const (
	KindTransport FailureKind = iota
	KindRateLimited
	KindDecode
)

func (k FailureKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindDecode:
		return "decode"
	default:
		return "transport"
	}
}

// FetchError 重试用尽后返回,同时匹配 ErrExhausted 与最后一次失败的类别
type FetchError struct {
	Request  string
	Kind     FailureKind
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: 尝试 %d 次后放弃 (%s): %v", e.Request, e.Attempts, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrExhausted, e.Err}
}
