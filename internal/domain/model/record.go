package model

import "encoding/json"

// EntityStub 列表接口返回的最小实体信息,列表顺序即遍历顺序
type EntityStub struct {
	TokenID string `json:"tokenId"`
}

// ItemSummary 单个装备的价格摘要
type ItemSummary struct {
	ItemID    string      `json:"itemId"`
	ItemLink  string      `json:"itemLink"`
	PriceWei  string      `json:"priceWei"`
	PriceUnit json.Number `json:"priceUnit"`
}

// SummaryEntry 每个实体一条,抓取失败时也会生成(items 为空)
type SummaryEntry struct {
	EntityID        string        `json:"entityId"`
	EntityLink      string        `json:"entityLink"`
	EntityPriceWei  string        `json:"entityPriceWei"`
	EntityPriceUnit json.Number   `json:"entityPriceUnit"`
	Items           []ItemSummary `json:"items"`
}

// AggregatedRecord 单个实体的聚合结果
type AggregatedRecord struct {
	// Index 在本轮列表中的位置
	Index   int
	TokenID string
	// Detail 为 nil 表示详情抓取失败,只保留占位摘要
	Detail   json.RawMessage
	Summary  SummaryEntry
	SubItems []json.RawMessage
	// Priced 价格大于 0 的装备,供通知使用
	Priced []ItemSummary
	// Partial 部分装备抓取失败
	Partial bool
	// SkippedItems 因价格超过上限而跳过了装备抓取
	SkippedItems bool
}

func (r *AggregatedRecord) Placeholder() bool {
	return r.Detail == nil
}
