package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/LouYuanbo1/marketcrawler/internal/domain/model"
	"github.com/elastic/go-elasticsearch/v9"
	"github.com/elastic/go-elasticsearch/v9/esutil"
)

type typedEsClient[D model.Document] struct {
	client *elasticsearch.TypedClient
	// 特别说明: 这个实例仅用于获取索引名与 mapping,不用于存储数据
	schemaDoc D
	logger    *slog.Logger
}

func InitTypedEsClient[D model.Document](cfg *config.Config, schemaDoc D, logger *slog.Logger) (TypedEsClient[D], error) {
	typedClient, err := elasticsearch.NewTypedClient(elasticsearch.Config{
		Username: cfg.Elasticsearch.Username,
		Password: cfg.Elasticsearch.Password,
		Addresses: []string{
			cfg.Elasticsearch.Address,
		},
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			// 跳过TLS验证(仅在开发环境中使用)
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.Elasticsearch.InsecureSkipVerify},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 Elasticsearch 客户端失败: %w", err)
	}
	return &typedEsClient[D]{client: typedClient, schemaDoc: schemaDoc, logger: logger}, nil
}

func (tec *typedEsClient[D]) Index() string {
	return tec.schemaDoc.GetIndex()
}

func (tec *typedEsClient[D]) CreateIndexWithMapping(ctx context.Context) error {
	// 检查索引是否已存在
	index := tec.schemaDoc.GetIndex()
	exists, err := tec.client.Indices.Exists(index).Do(ctx)
	if err != nil {
		return fmt.Errorf("检查索引失败: %w", err)
	}
	if exists {
		tec.logger.Debug("es: 索引已存在,跳过创建", "index", index)
		return nil
	}

	mapping := tec.schemaDoc.GetTypeMapping()
	if mapping == nil {
		_, err = tec.client.Indices.Create(index).Do(ctx)
	} else {
		_, err = tec.client.Indices.Create(index).Mappings(mapping).Do(ctx)
	}
	if err != nil {
		return fmt.Errorf("创建索引失败: %w", err)
	}
	tec.logger.Info("es: 创建索引", "index", index)
	return nil
}

func (tec *typedEsClient[D]) BulkIndexDocsWithID(ctx context.Context, docs []D) error {
	if len(docs) == 0 {
		return nil
	}
	var failed atomic.Int64
	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Index:         tec.schemaDoc.GetIndex(), // 目标索引名称
		Client:        tec.client,               // Elasticsearch 客户端
		NumWorkers:    2,                        // 并发工作协程数
		FlushBytes:    5 * 1024 * 1024,          // 5MB 时自动刷新
		FlushInterval: 30 * time.Second,         // 30秒自动刷新
		OnError: func(ctx context.Context, err error) {
			tec.logger.Warn("es: 批量索引错误", "err", err)
		},
	})
	if err != nil {
		return fmt.Errorf("创建批量索引器失败: %w", err)
	}

	for _, doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			_ = bi.Close(ctx)
			return fmt.Errorf("序列化文档失败 %s: %w", doc.GetID(), err)
		}
		err = bi.Add(ctx, esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: doc.GetID(),
			Body:       bytes.NewReader(data),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				failed.Add(1)
				if err != nil {
					tec.logger.Warn("es: 索引文档失败", "id", item.DocumentID, "err", err)
				} else {
					tec.logger.Warn("es: 索引文档失败", "id", item.DocumentID, "reason", res.Error.Reason)
				}
			},
		})
		if err != nil {
			_ = bi.Close(ctx)
			return fmt.Errorf("添加文档失败: %w", err)
		}
	}

	// 刷新并关闭批量索引器(确保所有文档都被处理)
	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("关闭批量索引器失败: %w", err)
	}
	stats := bi.Stats()
	tec.logger.Debug("es: 批量索引完成", "indexed", stats.NumIndexed, "failed", stats.NumFailed)
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d 个文档索引失败", n)
	}
	return nil
}

func (tec *typedEsClient[D]) CountDocs(ctx context.Context) (int64, error) {
	resp, err := tec.client.Count().Index(tec.schemaDoc.GetIndex()).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("统计文档失败: %w", err)
	}
	return resp.Count, nil
}
