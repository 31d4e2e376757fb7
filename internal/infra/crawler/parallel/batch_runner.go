package parallel

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchRunner 按批次调度任务: 每批 batchSize 个,批内最多 concurrency 个同时执行,
// 整批完成后按列表顺序交给 persist
type BatchRunner[T any] interface {
	Run(ctx context.Context, total, offset int, task Task[T], persist Persist[T]) error
}

// Task 处理第 idx 个元素;不返回错误,失败需要体现在结果里
type Task[T any] func(ctx context.Context, idx int) T

// Persist 保存一批结果,next 为下一批的起始下标
type Persist[T any] func(ctx context.Context, results []T, next int) error

type batchRunner[T any] struct {
	batchSize   int
	concurrency int
	pause       time.Duration
}

func InitBatchRunner[T any](batchSize, concurrency int, pause time.Duration) (BatchRunner[T], error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch_size 必须大于 0: %d", batchSize)
	}
	if concurrency <= 0 || concurrency > batchSize {
		return nil, fmt.Errorf("concurrency 必须在 1 到 batch_size 之间: %d", concurrency)
	}
	return &batchRunner[T]{batchSize: batchSize, concurrency: concurrency, pause: pause}, nil
}

func (br *batchRunner[T]) Run(ctx context.Context, total, offset int, task Task[T], persist Persist[T]) error {
	if offset < 0 || offset > total {
		return fmt.Errorf("起始位置越界: offset=%d total=%d", offset, total)
	}
	for start := offset; start < total; start += br.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+br.batchSize, total)

		results := make([]T, end-start)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(br.concurrency)
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i-start] = task(gctx, i)
				return nil
			})
		}
		// 任务本身不返回错误,Wait 只用于等待整批结束
		_ = g.Wait()

		// 被取消的批次不落盘
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := persist(ctx, results, end); err != nil {
			return fmt.Errorf("保存批次 [%d,%d) 失败: %w", start, end, err)
		}

		if end < total && br.pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(br.pause):
			}
		}
	}
	return nil
}
