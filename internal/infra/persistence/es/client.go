package es

import (
	"context"

	"github.com/LouYuanbo1/marketcrawler/internal/domain/model"
)

// 所有的文档结构体要实现 model.Document
type TypedEsClient[D model.Document] interface {
	Index() string
	CreateIndexWithMapping(ctx context.Context) error
	BulkIndexDocsWithID(ctx context.Context, docs []D) error
	CountDocs(ctx context.Context) (int64, error)
}
