package es

import (
	"context"
	"log/slog"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/LouYuanbo1/marketcrawler/internal/domain/model"
)

// SummaryMirror 把每批落盘的摘要同步到 Elasticsearch,文档 ID 为实体 ID,重复抓取会覆盖
type SummaryMirror struct {
	client TypedEsClient[*model.SummaryDoc]
	now    func() time.Time
}

func NewSummaryMirror(client TypedEsClient[*model.SummaryDoc]) *SummaryMirror {
	return &SummaryMirror{client: client, now: time.Now}
}

// InitSummaryMirror 创建客户端并确保索引存在
func InitSummaryMirror(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SummaryMirror, error) {
	schema := &model.SummaryDoc{}
	schema.SetIndex(cfg.Elasticsearch.Index)
	client, err := InitTypedEsClient(cfg, schema, logger)
	if err != nil {
		return nil, err
	}
	if err := client.CreateIndexWithMapping(ctx); err != nil {
		return nil, err
	}
	return NewSummaryMirror(client), nil
}

func (sm *SummaryMirror) Docs(runID string, cycle int, entries []model.SummaryEntry) []*model.SummaryDoc {
	at := sm.now()
	docs := make([]*model.SummaryDoc, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, model.NewSummaryDoc(sm.client.Index(), e, runID, cycle, at))
	}
	return docs
}

func (sm *SummaryMirror) MirrorSummaries(ctx context.Context, runID string, cycle int, entries []model.SummaryEntry) error {
	return sm.client.BulkIndexDocsWithID(ctx, sm.Docs(runID, cycle, entries))
}

func (sm *SummaryMirror) Count(ctx context.Context) (int64, error) {
	return sm.client.CountDocs(ctx)
}
