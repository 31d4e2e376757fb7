// Package collector 基于 colly 的页面驱动: 不渲染页面,直接请求期望的接口地址
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/chrome"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/types"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/proxy"
	"github.com/gocolly/colly/v2"
)

type collySession struct {
	cfg    *config.Config
	pool   *proxy.Pool
	logger *slog.Logger
}

func InitCollySession(cfg *config.Config, pool *proxy.Pool, logger *slog.Logger) chrome.FetchSession {
	return &collySession{cfg: cfg, pool: pool, logger: logger}
}

// newCollector 每次请求一个 collector,请求之间不共享状态
func newCollector(ctx context.Context, userAgent string, ignoreRobots bool, timeout time.Duration, proxyURL string) (*colly.Collector, error) {
	opts := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	}
	if userAgent != "" {
		opts = append(opts, colly.UserAgent(userAgent))
	}
	if ignoreRobots {
		opts = append(opts, colly.IgnoreRobotsTxt())
	}
	c := colly.NewCollector(opts...)
	// 429 等非 2xx 响应也交给 OnResponse
	c.ParseHTTPErrorResponse = true
	if timeout > 0 {
		c.SetRequestTimeout(timeout)
	}
	if proxyURL != "" {
		if err := c.SetProxy(proxyURL); err != nil {
			return nil, fmt.Errorf("设置代理失败: %w", err)
		}
	}
	return c, nil
}

// get 同步请求一个地址,返回状态码与响应体
func get(c *colly.Collector, url string) (*types.NetworkResponse, error) {
	var resp *types.NetworkResponse
	c.OnResponse(func(r *colly.Response) {
		resp = &types.NetworkResponse{
			Url:    r.Request.URL.String(),
			Status: r.StatusCode,
			Body:   append([]byte(nil), r.Body...),
		}
	})
	var visitErr error
	c.OnError(func(r *colly.Response, err error) {
		visitErr = err
	})
	if err := c.Visit(url); err != nil {
		return nil, fmt.Errorf("访问URL失败: %w", err)
	}
	c.Wait()
	if resp == nil {
		if visitErr == nil {
			visitErr = fmt.Errorf("没有收到响应: %s", url)
		}
		return nil, visitErr
	}
	return resp, nil
}

// Load 不访问页面本身,页面 HTML 在需要时才请求
func (s *collySession) Load(ctx context.Context, url string, wait types.WaitPolicy, timeout time.Duration) (chrome.Page, error) {
	proxyURL := ""
	if s.pool != nil {
		p := s.pool.Pick()
		proxyURL = p.URL()
		s.logger.Debug("colly: 使用代理", "proxy", p.Server, "url", url)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &collyPage{
		session:  s,
		url:      url,
		proxyURL: proxyURL,
		timeout:  timeout,
		bodies:   make(map[string]*types.NetworkResponse),
	}, nil
}

func (s *collySession) Close() error {
	return nil
}

type collyPage struct {
	session  *collySession
	url      string
	proxyURL string
	timeout  time.Duration

	mu     sync.Mutex
	closed bool
	bodies map[string]*types.NetworkResponse
}

func (cp *collyPage) fetch(ctx context.Context, url string, timeout time.Duration) (*types.NetworkResponse, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, chrome.ErrPageClosed
	}
	if resp, ok := cp.bodies[url]; ok {
		cp.mu.Unlock()
		return resp, nil
	}
	cp.mu.Unlock()

	c, err := newCollector(ctx, cp.session.cfg.Colly.UserAgent, cp.session.cfg.Colly.IgnoreRobotsTxt, timeout, cp.proxyURL)
	if err != nil {
		return nil, err
	}
	resp, err := get(c, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	cp.mu.Lock()
	cp.bodies[url] = resp
	cp.mu.Unlock()
	return resp, nil
}

func (cp *collyPage) HTML(ctx context.Context) (string, error) {
	resp, err := cp.fetch(ctx, cp.url, cp.timeout)
	if err != nil {
		return "", fmt.Errorf("获取页面 HTML 失败: %w", err)
	}
	if resp.Status != http.StatusOK {
		return "", fmt.Errorf("获取页面 HTML 失败: 状态码 %d", resp.Status)
	}
	return string(resp.Body), nil
}

// AwaitResponse 直接请求期望的地址;超时统一映射为 ErrResponseTimeout
func (cp *collyPage) AwaitResponse(ctx context.Context, url string, timeout time.Duration) (*types.NetworkResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := cp.fetch(reqCtx, url, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if reqCtx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", url, chrome.ErrResponseTimeout)
		}
		return nil, err
	}
	return resp, nil
}

func (cp *collyPage) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.closed = true
	cp.bodies = nil
	return nil
}
