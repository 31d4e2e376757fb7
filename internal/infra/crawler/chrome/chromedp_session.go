package chrome

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/types"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/proxy"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// networkidle 判定所需的静默时长
const networkIdleQuiet = 500 * time.Millisecond

type chromedpSession struct {
	cfg    *config.Config
	pool   *proxy.Pool
	logger *slog.Logger

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// InitChromedpSession 与 rod 驱动相同: 无代理共用一个浏览器,有代理时每次 Load 独立启动
func InitChromedpSession(cfg *config.Config, pool *proxy.Pool, logger *slog.Logger) (FetchSession, error) {
	s := &chromedpSession{cfg: cfg, pool: pool, logger: logger}
	if pool == nil {
		browserCtx, cancel := s.newBrowser(nil)
		// 空 Run 会启动浏览器
		if err := chromedp.Run(browserCtx); err != nil {
			cancel()
			return nil, fmt.Errorf("启动浏览器失败: %w", err)
		}
		s.browserCtx, s.browserCancel = browserCtx, cancel
	}
	return s, nil
}

func (s *chromedpSession) newBrowser(p *proxy.Proxy) (context.Context, context.CancelFunc) {
	cc := s.cfg.Chromedp
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cc.Headless),
		chromedp.Flag("disable-dev-shm-usage", cc.DisableDevShmUsage),
		chromedp.Flag("no-sandbox", cc.NoSandbox),
	)
	if cc.DisableBlinkFeatures != "" {
		opts = append(opts, chromedp.Flag("disable-blink-features", cc.DisableBlinkFeatures))
	}
	if cc.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cc.UserAgent))
	}
	if cc.UserDataDir != "" && p == nil {
		opts = append(opts, chromedp.UserDataDir(cc.UserDataDir))
	}
	if p != nil {
		opts = append(opts, chromedp.ProxyServer(p.Server))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	return browserCtx, func() {
		cancelBrowser()
		cancelAlloc()
	}
}

func (s *chromedpSession) Load(ctx context.Context, url string, wait types.WaitPolicy, timeout time.Duration) (Page, error) {
	s.mu.Lock()
	parent := s.browserCtx
	s.mu.Unlock()

	release := func() {}
	var auth *proxy.Proxy
	if s.pool != nil {
		p := s.pool.Pick()
		s.logger.Debug("chromedp: 使用代理", "proxy", p.Server, "url", url)
		parent, release = s.newBrowser(&p)
		if p.HasAuth() {
			auth = &p
		}
	}
	if parent == nil {
		return nil, fmt.Errorf("chromedp: %w", ErrPageClosed)
	}

	// 新标签页
	tabCtx, cancelTab := chromedp.NewContext(parent)
	// 外部取消时关闭标签页
	stop := context.AfterFunc(ctx, cancelTab)

	cp := &chromedpPage{tabCtx: tabCtx}
	cp.closeFn = func() {
		stop()
		cancelTab()
		release()
	}
	cp.recorder = newResponseRecorder(cp.fetchBody)
	cp.listen(auth)

	// 第一次 Run 分配标签页,不能使用带超时的 ctx,否则超时后标签页会被关闭
	if err := chromedp.Run(tabCtx); err != nil {
		cp.Close()
		return nil, fmt.Errorf("创建标签页失败: %w", err)
	}

	actions := []chromedp.Action{network.Enable()}
	if auth != nil {
		actions = append(actions, fetch.Enable().WithHandleAuthRequests(true))
	}
	actions = append(actions, chromedp.Navigate(url))

	navCtx, cancelNav := context.WithTimeout(tabCtx, timeout)
	defer cancelNav()
	if err := chromedp.Run(navCtx, actions...); err != nil {
		cp.Close()
		return nil, fmt.Errorf("导航失败: %w", err)
	}
	// chromedp.Navigate 已经等到 load 事件,networkidle 还需要等网络静默
	if wait == types.WaitNetworkIdle {
		if err := cp.recorder.waitIdle(navCtx, networkIdleQuiet); err != nil {
			cp.Close()
			return nil, fmt.Errorf("等待网络空闲失败 %s: %w", url, err)
		}
	}
	return cp, nil
}

func (s *chromedpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browserCancel != nil {
		s.browserCancel()
		s.browserCancel = nil
		s.browserCtx = nil
	}
	return nil
}

type chromedpPage struct {
	tabCtx   context.Context
	recorder *responseRecorder
	closeFn  func()
	once     sync.Once
}

func (cp *chromedpPage) listen(auth *proxy.Proxy) {
	chromedp.ListenTarget(cp.tabCtx, func(ev any) {
		switch ev := ev.(type) {
		case *network.EventRequestWillBeSent:
			cp.recorder.onRequest(string(ev.RequestID))
		case *network.EventResponseReceived:
			cp.recorder.onResponse(string(ev.RequestID), ev.Response.URL, int(ev.Response.Status))
		case *network.EventLoadingFinished:
			cp.recorder.onFinished(string(ev.RequestID))
		case *network.EventLoadingFailed:
			cp.recorder.onFailed(string(ev.RequestID))
		case *fetch.EventRequestPaused:
			// 开启 fetch 域后所有请求都会暂停,必须放行
			go func() {
				_ = fetch.ContinueRequest(ev.RequestID).Do(cp.executor())
			}()
		case *fetch.EventAuthRequired:
			if auth == nil {
				return
			}
			go func() {
				_ = fetch.ContinueWithAuth(ev.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: auth.Username,
					Password: auth.Password,
				}).Do(cp.executor())
			}()
		}
	})
}

// 事件回调中不能直接调用 chromedp.Run,需要绑定到当前 target
func (cp *chromedpPage) executor() context.Context {
	c := chromedp.FromContext(cp.tabCtx)
	return cdp.WithExecutor(cp.tabCtx, c.Target)
}

func (cp *chromedpPage) fetchBody(ctx context.Context, requestID string) ([]byte, error) {
	c := chromedp.FromContext(cp.tabCtx)
	if c == nil || c.Target == nil {
		return nil, ErrPageClosed
	}
	return network.GetResponseBody(network.RequestID(requestID)).Do(cdp.WithExecutor(ctx, c.Target))
}

func (cp *chromedpPage) HTML(ctx context.Context) (string, error) {
	var html string
	runCtx, cancel := context.WithCancel(cp.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("获取页面 HTML 失败: %w", err)
	}
	return html, nil
}

func (cp *chromedpPage) AwaitResponse(ctx context.Context, url string, timeout time.Duration) (*types.NetworkResponse, error) {
	return cp.recorder.await(ctx, url, timeout)
}

func (cp *chromedpPage) Close() error {
	cp.once.Do(func() {
		cp.recorder.close()
		cp.closeFn()
	})
	return nil
}
