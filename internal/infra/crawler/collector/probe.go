package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/infra/proxy"
)

// ProbeResult 单个代理的连通性检查结果
type ProbeResult struct {
	Proxy   proxy.Proxy
	OK      bool
	Status  int
	Body    string
	Elapsed time.Duration
	Err     error
}

// ProbeProxy 通过代理请求 probeURL,例如 https://httpbin.org/ip
func ProbeProxy(ctx context.Context, p proxy.Proxy, probeURL, userAgent string, timeout time.Duration) ProbeResult {
	res := ProbeResult{Proxy: p}
	start := time.Now()
	c, err := newCollector(ctx, userAgent, true, timeout, p.URL())
	if err != nil {
		res.Err = err
		return res
	}
	resp, err := get(c, probeURL)
	res.Elapsed = time.Since(start)
	if err != nil {
		res.Err = fmt.Errorf("代理 %s 连接失败: %w", p.Server, err)
		return res
	}
	res.Status = resp.Status
	res.Body = strings.TrimSpace(string(resp.Body))
	res.OK = resp.Status >= 200 && resp.Status < 300
	if !res.OK {
		res.Err = fmt.Errorf("代理 %s 返回状态码 %d", p.Server, resp.Status)
	}
	return res
}
