package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/LouYuanbo1/marketcrawler/internal/domain/entity"
	"github.com/LouYuanbo1/marketcrawler/internal/domain/model"
	"github.com/LouYuanbo1/marketcrawler/internal/domain/price"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/types"
	"github.com/LouYuanbo1/marketcrawler/param"
)

// TokenPlaceholder URL 模板中的占位符
const TokenPlaceholder = "{tokenId}"

func ExpandTemplate(tpl, tokenID string) string {
	return strings.ReplaceAll(tpl, TokenPlaceholder, tokenID)
}

// RecordAggregator 详情 -> 装备 的聚合,永远返回一条记录
type RecordAggregator interface {
	Aggregate(ctx context.Context, cc *CrawlContext, index int, stub model.EntityStub) *model.AggregatedRecord
}

type recordAggregator struct {
	cfg           *config.Config
	entityFetcher Fetcher
	itemFetcher   Fetcher
	wait          types.WaitPolicy
	ceiling       *big.Rat
	logger        *slog.Logger
}

func InitRecordAggregator(cfg *config.Config, entityFetcher, itemFetcher Fetcher, logger *slog.Logger) (RecordAggregator, error) {
	ceiling, err := price.ParseCeiling(cfg.Crawl.SubItemCeiling)
	if err != nil {
		return nil, err
	}
	wait, err := types.ParseWaitPolicy(cfg.Timeouts.WaitPolicy)
	if err != nil {
		return nil, err
	}
	return &recordAggregator{
		cfg:           cfg,
		entityFetcher: entityFetcher,
		itemFetcher:   itemFetcher,
		wait:          wait,
		ceiling:       ceiling,
		logger:        logger,
	}, nil
}

func (ra *recordAggregator) Aggregate(ctx context.Context, cc *CrawlContext, index int, stub model.EntityStub) *model.AggregatedRecord {
	id := stub.TokenID
	urls := ra.cfg.URLs
	detailPage := ExpandTemplate(urls.DetailPage, id)

	rec := &model.AggregatedRecord{
		Index:   index,
		TokenID: id,
		Summary: model.SummaryEntry{
			EntityID:        id,
			EntityLink:      detailPage,
			EntityPriceWei:  "0",
			EntityPriceUnit: price.Zero().UnitNumber(),
			Items:           []model.ItemSummary{},
		},
	}
	cc.Entities.Add(1)

	res, err := ra.entityFetcher.Fetch(ctx, &param.FetchRequest{
		Name:    "detail:" + id,
		PageUrl: detailPage,
		Wait:    ra.wait,
		Expect:  []param.Expectation{{Url: ExpandTemplate(urls.DetailAPI, id)}},
	})
	if err != nil {
		cc.Placeholders.Add(1)
		ra.logger.Warn("aggregate: 详情抓取失败,写入占位记录", "index", index, "token_id", id, "err", err)
		return rec
	}
	detail := res.Payloads[0]
	rec.Detail = detail

	amount, err := price.ParseWei(entity.EntityPrice(detail, ra.cfg.Crawl.EntityPricePaths))
	if err != nil {
		ra.logger.Warn("aggregate: 实体价格无法解析,按 0 处理", "token_id", id, "err", err)
		amount = price.Zero()
	}
	rec.Summary.EntityPriceWei = amount.Wei()
	rec.Summary.EntityPriceUnit = amount.UnitNumber()

	if amount.Exceeds(ra.ceiling) {
		rec.SkippedItems = true
		cc.SkippedItems.Add(1)
		ra.logger.Info("aggregate: 实体价格超过上限,跳过装备",
			"index", index, "token_id", id, "price", amount.Unit(), "ceiling", ra.cfg.Crawl.SubItemCeiling)
		return rec
	}

	itemIDs := entity.EquipTokenIDs(detail, ra.cfg.Crawl.EquipPath)
	for _, itemID := range itemIDs {
		if ctx.Err() != nil {
			rec.Partial = true
			break
		}
		raw, summary, priced, err := ra.fetchItem(ctx, itemID)
		if err != nil {
			rec.Partial = true
			ra.logger.Warn("aggregate: 装备抓取失败,跳过", "token_id", id, "item_id", itemID, "err", err)
			continue
		}
		rec.SubItems = append(rec.SubItems, raw)
		rec.Summary.Items = append(rec.Summary.Items, summary)
		cc.Items.Add(1)
		if priced {
			rec.Priced = append(rec.Priced, summary)
			cc.PricedItems.Add(1)
		}
	}
	if rec.Partial {
		cc.Partial.Add(1)
	}

	ra.logger.Info("aggregate: 完成",
		"index", index,
		"token_id", id,
		"price", amount.Unit(),
		"items", len(rec.Summary.Items),
		"equipped", len(itemIDs),
		"priced", len(rec.Priced),
	)
	return rec
}

// fetchItem 同一次页面加载同时等待挂单接口与交易历史接口
func (ra *recordAggregator) fetchItem(ctx context.Context, itemID string) (json.RawMessage, model.ItemSummary, bool, error) {
	urls := ra.cfg.URLs
	itemPage := ExpandTemplate(urls.ItemPage, itemID)
	req := &param.FetchRequest{
		Name:    "item:" + itemID,
		PageUrl: itemPage,
		Wait:    ra.wait,
		Expect:  []param.Expectation{{Url: ExpandTemplate(urls.ItemAPI, itemID)}},
	}
	if urls.ItemHistoryAPI != "" {
		req.Expect = append(req.Expect, param.Expectation{
			Url:      ExpandTemplate(urls.ItemHistoryAPI, itemID),
			Optional: true,
		})
	}

	res, err := ra.itemFetcher.Fetch(ctx, req)
	if err != nil {
		return nil, model.ItemSummary{}, false, err
	}
	listing := res.Payloads[0]
	var history json.RawMessage
	if len(res.Payloads) > 1 {
		history = res.Payloads[1]
	}

	amount, err := ResolveItemPrice(listing, history)
	if err != nil {
		ra.logger.Warn("aggregate: 装备价格无法解析,按 0 处理", "item_id", itemID, "err", err)
		amount = price.Zero()
	}
	return listing, model.ItemSummary{
		ItemID:    itemID,
		ItemLink:  itemPage,
		PriceWei:  amount.Wei(),
		PriceUnit: amount.UnitNumber(),
	}, amount.Positive(), nil
}

// ResolveItemPrice 挂单价格大于 0 时使用挂单价格,否则使用最新一笔成交价格,都没有则为 0
func ResolveItemPrice(listing, history []byte) (price.Amount, error) {
	if v := entity.ListingPrice(listing); v != "" {
		amount, err := price.ParseWei(v)
		if err != nil {
			return price.Zero(), fmt.Errorf("挂单价格: %w", err)
		}
		if amount.Positive() {
			return amount, nil
		}
	}
	if v := entity.LatestTradePrice(history); v != "" {
		amount, err := price.ParseWei(v)
		if err != nil {
			return price.Zero(), fmt.Errorf("成交价格: %w", err)
		}
		if amount.Positive() {
			return amount, nil
		}
	}
	return price.Zero(), nil
}
