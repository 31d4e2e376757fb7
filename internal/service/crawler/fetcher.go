package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/chrome"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/types"
	"github.com/LouYuanbo1/marketcrawler/param"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// FetchResult Payloads 与请求中的 Expect 一一对应,可选响应缺失时为 nil
type FetchResult struct {
	PageUrl   string
	Payloads  []json.RawMessage
	Extracted json.RawMessage
	Attempts  int
}

type Fetcher interface {
	Fetch(ctx context.Context, req *param.FetchRequest) (*FetchResult, error)
}

type Timeouts struct {
	Navigation time.Duration
	Response   time.Duration
}

// SleepFunc 可在测试中替换
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type retryingFetcher struct {
	session  chrome.FetchSession
	policy   config.RetryPolicy
	timeouts Timeouts
	sleep    SleepFunc
	logger   *slog.Logger
}

func InitRetryingFetcher(session chrome.FetchSession, policy config.RetryPolicy, timeouts Timeouts, sleep SleepFunc, logger *slog.Logger) Fetcher {
	if sleep == nil {
		sleep = sleepContext
	}
	return &retryingFetcher{
		session:  session,
		policy:   policy,
		timeouts: timeouts,
		sleep:    sleep,
		logger:   logger,
	}
}

// NewSchedule 第 n 次重试等待 min(base*2^(n-1), cap),jitter 为随机比例
func NewSchedule(b config.Backoff) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Base()
	eb.MaxInterval = b.Cap()
	eb.Multiplier = 2
	eb.RandomizationFactor = b.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

func (rf *retryingFetcher) backoffFor(kind FailureKind) config.Backoff {
	switch kind {
	case KindRateLimited:
		return rf.policy.RateLimited
	case KindDecode:
		return rf.policy.Decode
	default:
		return rf.policy.Transport
	}
}

func (rf *retryingFetcher) Fetch(ctx context.Context, req *param.FetchRequest) (*FetchResult, error) {
	if !req.IsValid() {
		return nil, fmt.Errorf("无效的抓取请求: %+v", req)
	}
	schedules := make(map[FailureKind]backoff.BackOff)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, kind, err := rf.attempt(ctx, req)
		if err == nil {
			result.Attempts = attempt
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if rf.policy.MaxAttempts > 0 && attempt >= rf.policy.MaxAttempts {
			rf.logger.Warn("fetch: 放弃", "request", req.Name, "attempts", attempt, "kind", kind.String(), "err", err)
			return nil, &FetchError{Request: req.Name, Kind: kind, Attempts: attempt, Err: err}
		}

		schedule, ok := schedules[kind]
		if !ok {
			schedule = NewSchedule(rf.backoffFor(kind))
			schedules[kind] = schedule
		}
		delay := schedule.NextBackOff()
		rf.logger.Warn("fetch: 重试",
			"request", req.Name,
			"attempt", attempt,
			"kind", kind.String(),
			"delay", delay,
			"err", err,
		)
		if err := rf.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// attempt 打开页面,同时等待所有响应,全部结束后再分类;页面在返回前关闭
func (rf *retryingFetcher) attempt(ctx context.Context, req *param.FetchRequest) (*FetchResult, FailureKind, error) {
	page, err := rf.session.Load(ctx, req.PageUrl, req.Wait, rf.timeouts.Navigation)
	if err != nil {
		return nil, KindTransport, fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			rf.logger.Debug("fetch: 关闭页面失败", "request", req.Name, "err", err)
		}
	}()

	responses := make([]*types.NetworkResponse, len(req.Expect))
	awaitErrs := make([]error, len(req.Expect))
	// 等待全部完成,不是第一个完成
	var g errgroup.Group
	for i, exp := range req.Expect {
		g.Go(func() error {
			responses[i], awaitErrs[i] = page.AwaitResponse(ctx, exp.Url, rf.timeouts.Response)
			return nil
		})
	}
	_ = g.Wait()

	result := &FetchResult{PageUrl: req.PageUrl, Payloads: make([]json.RawMessage, len(req.Expect))}
	var failKind FailureKind
	var failErr error
	fail := func(kind FailureKind, err error) {
		// 同一次尝试出现多种错误时,限流优先
		if failErr == nil || kind == KindRateLimited && failKind != KindRateLimited {
			failKind, failErr = kind, err
		}
	}

	for i, exp := range req.Expect {
		payload, kind, err := classify(responses[i], awaitErrs[i])
		if err == nil {
			result.Payloads[i] = payload
			continue
		}
		if exp.Optional && awaitErrs[i] != nil {
			rf.logger.Debug("fetch: 可选响应缺失", "request", req.Name, "url", exp.Url, "err", err)
			continue
		}
		fail(kind, fmt.Errorf("%s: %w", exp.Url, err))
	}
	if failErr != nil {
		return nil, failKind, failErr
	}

	if req.Extract != nil {
		extracted, err := req.Extract(ctx, page)
		if err != nil {
			return nil, KindDecode, fmt.Errorf("%w: 页面提取失败: %w", ErrDecodeFailure, err)
		}
		result.Extracted = extracted
	}
	if req.Validate != nil {
		if err := req.Validate(result.Payloads, result.Extracted); err != nil {
			return nil, KindDecode, fmt.Errorf("%w: %w", ErrDecodeFailure, err)
		}
	}
	return result, 0, nil
}

// classify 429 为限流;5xx 与等待失败为网络错误;响应体不是 JSON 为解析失败
func classify(resp *types.NetworkResponse, awaitErr error) (json.RawMessage, FailureKind, error) {
	if awaitErr != nil {
		return nil, KindTransport, fmt.Errorf("%w: %w", ErrTransportFailure, awaitErr)
	}
	switch {
	case resp.Status == http.StatusTooManyRequests:
		return nil, KindRateLimited, fmt.Errorf("%w: 状态码 %d", ErrRateLimited, resp.Status)
	case resp.Status >= http.StatusInternalServerError:
		return nil, KindTransport, fmt.Errorf("%w: 状态码 %d", ErrTransportFailure, resp.Status)
	case !json.Valid(resp.Body):
		return nil, KindDecode, fmt.Errorf("%w: 响应体不是合法的 JSON", ErrDecodeFailure)
	}
	return append(json.RawMessage(nil), resp.Body...), 0, nil
}
