// Package extractor 从列表页 DOM 中提取实体,作为列表接口不可用时的兜底
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/LouYuanbo1/marketcrawler/internal/domain/model"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/chrome"
	"github.com/LouYuanbo1/marketcrawler/param"
	"github.com/PuerkitoBio/goquery"
)

var (
	DefaultCardSelectors = []string{"article.BaseCard_itemCard__mTDZ2", `[data-testid="nft-item"]`, ".nft-card"}
	DefaultLinkSelectors = []string{`a[href*="/character/"]`, "a[href]"}
)

// StubList 与列表接口的 characters 结构一致
type StubList struct {
	Characters []model.EntityStub `json:"characters"`
}

// NewStubExtractor 按顺序尝试卡片选择器,第一个有结果的生效;
// 每张卡片里取第一个链接,链接最后一段作为 tokenId
func NewStubExtractor(cardSelectors, linkSelectors []string) param.Extractor {
	return func(ctx context.Context, page chrome.Page) (json.RawMessage, error) {
		html, err := page.HTML(ctx)
		if err != nil {
			return nil, err
		}
		stubs, err := ExtractStubs(html, cardSelectors, linkSelectors)
		if err != nil {
			return nil, err
		}
		return json.Marshal(StubList{Characters: stubs})
	}
}

// ExtractStubs 选择器为空时使用 DefaultCardSelectors 与 DefaultLinkSelectors
func ExtractStubs(html string, cardSelectors, linkSelectors []string) ([]model.EntityStub, error) {
	if len(cardSelectors) == 0 {
		cardSelectors = DefaultCardSelectors
	}
	if len(linkSelectors) == 0 {
		linkSelectors = DefaultLinkSelectors
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("解析 HTML 失败: %w", err)
	}

	var cards *goquery.Selection
	for _, sel := range cardSelectors {
		if found := doc.Find(sel); found.Length() > 0 {
			cards = found
			break
		}
	}
	if cards == nil {
		return []model.EntityStub{}, nil
	}

	stubs := make([]model.EntityStub, 0, cards.Length())
	seen := make(map[string]struct{})
	cards.Each(func(_ int, card *goquery.Selection) {
		href := cardHref(card, linkSelectors)
		id := tokenFromHref(href)
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		stubs = append(stubs, model.EntityStub{TokenID: id})
	})
	return stubs, nil
}

func cardHref(card *goquery.Selection, linkSelectors []string) string {
	// 卡片本身就是链接
	if href, ok := card.Attr("href"); ok {
		return href
	}
	for _, sel := range linkSelectors {
		if href, ok := card.Find(sel).First().Attr("href"); ok {
			return href
		}
	}
	// 链接包裹卡片
	if href, ok := card.Closest("a[href]").Attr("href"); ok {
		return href
	}
	return ""
}

func tokenFromHref(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	return segments[len(segments)-1]
}
