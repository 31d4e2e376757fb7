package crawler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// CrawlContext 一轮遍历的共享状态,由 CrawlLoop 创建并传给各组件
type CrawlContext struct {
	RunID   string
	Cycle   int
	Started time.Time

	Entities      atomic.Int64
	Placeholders  atomic.Int64
	Partial       atomic.Int64
	SkippedItems  atomic.Int64
	Items         atomic.Int64
	PricedItems   atomic.Int64
	Notifications atomic.Int64

	// notified 本轮已经发送过通知的实体
	notified sync.Map
}

func NewCrawlContext(runID string, cycle int) *CrawlContext {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &CrawlContext{RunID: runID, Cycle: cycle, Started: time.Now()}
}

// markNotified 第一次调用返回 true
func (cc *CrawlContext) markNotified(entityID string) bool {
	_, loaded := cc.notified.LoadOrStore(entityID, struct{}{})
	return !loaded
}

// PassSummary 一轮结束时的统计
type PassSummary struct {
	RunID         string
	Cycle         int
	Total         int
	Offset        int
	Entities      int64
	Placeholders  int64
	Partial       int64
	SkippedItems  int64
	Items         int64
	PricedItems   int64
	Notifications int64
	Elapsed       time.Duration
}

func (cc *CrawlContext) Summary(total, offset int) PassSummary {
	return PassSummary{
		RunID:         cc.RunID,
		Cycle:         cc.Cycle,
		Total:         total,
		Offset:        offset,
		Entities:      cc.Entities.Load(),
		Placeholders:  cc.Placeholders.Load(),
		Partial:       cc.Partial.Load(),
		SkippedItems:  cc.SkippedItems.Load(),
		Items:         cc.Items.Load(),
		PricedItems:   cc.PricedItems.Load(),
		Notifications: cc.Notifications.Load(),
		Elapsed:       time.Since(cc.Started),
	}
}
