package chrome

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/types"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/proxy"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

type rodSession struct {
	cfg    *config.Config
	pool   *proxy.Pool
	logger *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	cleanup func()
}

// InitRodSession 没有代理池时所有页面共用一个浏览器;有代理池时每次 Load 用随机代理启动独立浏览器
func InitRodSession(cfg *config.Config, pool *proxy.Pool, logger *slog.Logger) (FetchSession, error) {
	s := &rodSession{cfg: cfg, pool: pool, logger: logger}
	if pool == nil {
		browser, cleanup, err := s.launch(nil)
		if err != nil {
			return nil, err
		}
		s.browser, s.cleanup = browser, cleanup
	}
	return s, nil
}

func (s *rodSession) launcher(p *proxy.Proxy) *launcher.Launcher {
	rc := s.cfg.Rod
	l := launcher.New().
		Headless(rc.Headless).
		NoSandbox(rc.NoSandbox).
		Leakless(rc.Leakless)
	if rc.Bin != "" {
		l = l.Bin(rc.Bin)
	}
	// 代理浏览器使用临时目录,避免多个实例争用同一个用户目录
	if rc.UserDataDir != "" && p == nil {
		l = l.UserDataDir(rc.UserDataDir)
	}
	if rc.DisableBlinkFeatures != "" {
		l = l.Set(flags.Flag("disable-blink-features"), rc.DisableBlinkFeatures)
	}
	if rc.DisableDevShmUsage {
		l = l.Set(flags.Flag("disable-dev-shm-usage"))
	}
	if p != nil {
		// 保留协议,socks5:// 代理不能当作 http 代理
		l = l.Proxy(p.Server)
	}
	return l
}

func (s *rodSession) launch(p *proxy.Proxy) (*rod.Browser, func(), error) {
	if s.cfg.Rod.UserDataDir != "" && p == nil {
		if err := os.MkdirAll(s.cfg.Rod.UserDataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("创建用户目录失败: %w", err)
		}
	}
	l := s.launcher(p)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("启动浏览器失败: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, nil, fmt.Errorf("连接浏览器失败: %w", err)
	}
	if p != nil && p.HasAuth() {
		// 每个浏览器只处理一次代理认证,Chrome 之后会复用凭据
		wait := browser.HandleAuth(p.Username, p.Password)
		go func() {
			if err := wait(); err != nil {
				s.logger.Debug("rod: 代理认证结束", "proxy", p.Server, "err", err)
			}
		}()
	}
	cleanup := func() {
		_ = browser.Close()
		l.Kill()
		if p != nil {
			l.Cleanup()
		}
	}
	return browser, cleanup, nil
}

func (s *rodSession) Load(ctx context.Context, url string, wait types.WaitPolicy, timeout time.Duration) (Page, error) {
	s.mu.Lock()
	browser := s.browser
	s.mu.Unlock()
	release := func() {}
	if s.pool != nil {
		p := s.pool.Pick()
		s.logger.Debug("rod: 使用代理", "proxy", p.Server, "url", url)
		b, cleanup, err := s.launch(&p)
		if err != nil {
			return nil, err
		}
		browser, release = b, cleanup
	}
	if browser == nil {
		return nil, fmt.Errorf("rod: %w", ErrPageClosed)
	}

	var page *rod.Page
	var err error
	if s.cfg.Rod.Stealth {
		page, err = stealth.Page(browser)
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		release()
		return nil, fmt.Errorf("创建页面失败: %w", err)
	}

	pageCtx, cancel := context.WithCancel(ctx)
	page = page.Context(pageCtx)
	rp := &rodPage{page: page, cancel: cancel, release: release}
	rp.recorder = newResponseRecorder(rp.fetchBody)

	if s.cfg.Rod.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.cfg.Rod.UserAgent}); err != nil {
			rp.Close()
			return nil, fmt.Errorf("设置 UserAgent 失败: %w", err)
		}
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		rp.Close()
		return nil, fmt.Errorf("开启网络监听失败: %w", err)
	}

	// EachEvent 调用时即完成订阅,导航产生的事件不会丢失
	listen := page.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			rp.recorder.onRequest(string(e.RequestID))
		},
		func(e *proto.NetworkResponseReceived) {
			rp.recorder.onResponse(string(e.RequestID), e.Response.URL, e.Response.Status)
		},
		func(e *proto.NetworkLoadingFinished) {
			rp.recorder.onFinished(string(e.RequestID))
		},
		func(e *proto.NetworkLoadingFailed) {
			rp.recorder.onFailed(string(e.RequestID))
		},
	)
	go listen()

	if err := rp.navigate(url, wait, timeout); err != nil {
		rp.Close()
		return nil, err
	}
	return rp, nil
}

func (s *rodSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
		s.browser = nil
	}
	return nil
}

type rodPage struct {
	page     *rod.Page
	recorder *responseRecorder
	cancel   context.CancelFunc
	release  func()
	once     sync.Once
}

func lifecycleEvent(wait types.WaitPolicy) proto.PageLifecycleEventName {
	switch wait {
	case types.WaitLoad:
		return proto.PageLifecycleEventNameLoad
	case types.WaitNetworkIdle:
		return proto.PageLifecycleEventNameNetworkIdle
	default:
		return proto.PageLifecycleEventNameDOMContentLoaded
	}
}

func (rp *rodPage) navigate(url string, wait types.WaitPolicy, timeout time.Duration) error {
	navPage := rp.page.Timeout(timeout)
	defer navPage.CancelTimeout()

	// 先注册等待再导航
	waitNav := navPage.WaitNavigation(lifecycleEvent(wait))
	if err := navPage.Navigate(url); err != nil {
		return fmt.Errorf("导航失败: %w", err)
	}
	waitNav()
	if err := navPage.GetContext().Err(); err != nil {
		return fmt.Errorf("等待页面加载失败 %s: %w", url, err)
	}
	return nil
}

func (rp *rodPage) fetchBody(ctx context.Context, requestID string) ([]byte, error) {
	res, err := proto.NetworkGetResponseBody{RequestID: proto.NetworkRequestID(requestID)}.Call(rp.page.Context(ctx))
	if err != nil {
		return nil, err
	}
	if res.Base64Encoded {
		return base64.StdEncoding.DecodeString(res.Body)
	}
	return []byte(res.Body), nil
}

func (rp *rodPage) HTML(ctx context.Context) (string, error) {
	html, err := rp.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("获取页面 HTML 失败: %w", err)
	}
	return html, nil
}

func (rp *rodPage) AwaitResponse(ctx context.Context, url string, timeout time.Duration) (*types.NetworkResponse, error) {
	return rp.recorder.await(ctx, url, timeout)
}

func (rp *rodPage) Close() error {
	var err error
	rp.once.Do(func() {
		rp.recorder.close()
		// 页面上下文取消之后 Close 会失败,先关页面
		err = rp.page.Context(context.Background()).Close()
		rp.cancel()
		rp.release()
	})
	return err
}
