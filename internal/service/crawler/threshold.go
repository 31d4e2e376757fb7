package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/LouYuanbo1/marketcrawler/internal/domain/model"
	"github.com/LouYuanbo1/marketcrawler/internal/domain/price"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/notify"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/persistence/sqlite"
)

// Ledger 跨轮次的通知去重
type Ledger interface {
	Seen(ctx context.Context, entityID, fingerprint string) (bool, error)
	Record(ctx context.Context, entityID, fingerprint, runID string, cycle int) error
}

// ThresholdNotifier 实体价格不超过上限且有标价装备时发送一次通知
type ThresholdNotifier interface {
	Notify(ctx context.Context, cc *CrawlContext, rec *model.AggregatedRecord) bool
}

type thresholdNotifier struct {
	notifier notify.Notifier
	ledger   Ledger
	ceiling  *big.Rat
	logger   *slog.Logger
}

// InitThresholdNotifier ledger 可以为 nil
func InitThresholdNotifier(cfg *config.Config, notifier notify.Notifier, ledger Ledger, logger *slog.Logger) (ThresholdNotifier, error) {
	ceiling, err := price.ParseCeiling(cfg.Notify.Ceiling)
	if err != nil {
		return nil, err
	}
	return &thresholdNotifier{notifier: notifier, ledger: ledger, ceiling: ceiling, logger: logger}, nil
}

func (tn *thresholdNotifier) Notify(ctx context.Context, cc *CrawlContext, rec *model.AggregatedRecord) bool {
	if rec == nil || rec.Placeholder() || len(rec.Priced) == 0 {
		return false
	}
	entityPrice, err := price.ParseWei(rec.Summary.EntityPriceWei)
	if err != nil || entityPrice.Exceeds(tn.ceiling) {
		return false
	}
	id := rec.Summary.EntityID
	if !cc.markNotified(id) {
		return false
	}

	fingerprint := sqlite.Fingerprint(rec.Summary.EntityPriceWei, rec.Priced)
	if tn.ledger != nil {
		seen, err := tn.ledger.Seen(ctx, id, fingerprint)
		if err != nil {
			tn.logger.Warn("notify: 查询台账失败", "token_id", id, "err", err)
		} else if seen {
			tn.logger.Debug("notify: 相同提醒已发送过,跳过", "token_id", id)
			return false
		}
	}

	if err := tn.notifier.Send(ctx, FormatAlert(rec)); err != nil {
		tn.logger.Warn("notify: 发送失败", "token_id", id, "err", err)
		return false
	}
	cc.Notifications.Add(1)
	tn.logger.Info("notify: 已发送", "token_id", id, "priced", len(rec.Priced))

	if tn.ledger != nil {
		if err := tn.ledger.Record(ctx, id, fingerprint, cc.RunID, cc.Cycle); err != nil {
			tn.logger.Warn("notify: 写入台账失败", "token_id", id, "err", err)
		}
	}
	return true
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// FormatAlert Telegram Markdown 格式的通知正文
func FormatAlert(rec *model.AggregatedRecord) string {
	s := rec.Summary
	var b strings.Builder
	b.WriteString("*发现有价格的装备*\n")
	fmt.Fprintf(&b, "实体: [%s](%s)\n", markdownEscaper.Replace(s.EntityID), s.EntityLink)
	fmt.Fprintf(&b, "实体价格: %s\n", s.EntityPriceUnit)
	fmt.Fprintf(&b, "装备 (%d):\n", len(rec.Priced))
	for _, it := range rec.Priced {
		fmt.Fprintf(&b, "- [%s](%s): %s\n", markdownEscaper.Replace(it.ItemID), it.ItemLink, it.PriceUnit)
	}
	return strings.TrimRight(b.String(), "\n")
}
