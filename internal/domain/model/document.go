package model

import (
	"time"

	"github.com/elastic/go-elasticsearch/v9/typedapi/types"
)

type Document interface {
	*SummaryDoc
	GetID() string
	GetIndex() string
	GetTypeMapping() *types.TypeMapping
}

// SummaryDoc 写入 Elasticsearch 的摘要文档
type SummaryDoc struct {
	SummaryEntry
	RunID     string    `json:"runId"`
	Cycle     int       `json:"cycle"`
	CrawledAt time.Time `json:"crawledAt"`
	// PricedItems 价格大于 0 的装备数量
	PricedItems int `json:"pricedItems"`

	index string
}

func NewSummaryDoc(index string, entry SummaryEntry, runID string, cycle int, at time.Time) *SummaryDoc {
	priced := 0
	for _, it := range entry.Items {
		if it.PriceWei != "" && it.PriceWei != "0" {
			priced++
		}
	}
	return &SummaryDoc{
		SummaryEntry: entry,
		RunID:        runID,
		Cycle:        cycle,
		CrawledAt:    at,
		PricedItems:  priced,
		index:        index,
	}
}

func (d *SummaryDoc) GetID() string {
	return d.EntityID
}

func (d *SummaryDoc) GetIndex() string {
	if d == nil || d.index == "" {
		return DefaultSummaryIndex
	}
	return d.index
}

// SetIndex 用于 schema 实例,Document 序列化时不包含索引名
func (d *SummaryDoc) SetIndex(index string) {
	d.index = index
}

const DefaultSummaryIndex = "marketcrawler_summary"

func (d *SummaryDoc) GetTypeMapping() *types.TypeMapping {
	itemProps := map[string]types.Property{
		"itemId":    types.NewKeywordProperty(),
		"itemLink":  types.NewKeywordProperty(),
		"priceWei":  types.NewKeywordProperty(),
		"priceUnit": types.NewDoubleNumberProperty(),
	}
	items := types.NewNestedProperty()
	items.Properties = itemProps

	return &types.TypeMapping{
		Properties: map[string]types.Property{
			"entityId":        types.NewKeywordProperty(),
			"entityLink":      types.NewKeywordProperty(),
			"entityPriceWei":  types.NewKeywordProperty(),
			"entityPriceUnit": types.NewDoubleNumberProperty(),
			"items":           items,
			"runId":           types.NewKeywordProperty(),
			"cycle":           types.NewIntegerNumberProperty(),
			"crawledAt":       types.NewDateProperty(),
			"pricedItems":     types.NewIntegerNumberProperty(),
		},
	}
}
