package param

import (
	"context"
	"encoding/json"

	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/chrome"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/types"
)

// Extractor 从已渲染的页面中提取数据,返回 JSON
type Extractor func(ctx context.Context, page chrome.Page) (json.RawMessage, error)

// Expectation 页面加载过程中需要等待的接口响应,按 URL 完全匹配
type Expectation struct {
	Url string `json:"url"`
	// Optional 为 true 时等不到响应不重试,结果为 nil;收到响应时照常分类,429 仍然重试
	Optional bool `json:"optional"`
}

// Validator 检查一次抓取的结果,返回错误时按解析失败重试
type Validator func(payloads []json.RawMessage, extracted json.RawMessage) error

// FetchRequest 一次页面抓取: 打开 PageUrl,同时等待所有 Expect 中的响应
type FetchRequest struct {
	// Name 用于日志,例如 detail:123
	Name    string           `json:"name"`
	PageUrl string           `json:"page_url"`
	Wait    types.WaitPolicy `json:"wait"`
	Expect  []Expectation    `json:"expect"`
	Extract Extractor        `json:"-"`
	// Validate 为 nil 时不检查
	Validate Validator `json:"-"`
}

func (fr *FetchRequest) IsValid() bool {
	if fr == nil || fr.PageUrl == "" {
		return false
	}
	if len(fr.Expect) == 0 && fr.Extract == nil {
		return false
	}
	for _, e := range fr.Expect {
		if e.Url == "" {
			return false
		}
	}
	return true
}
