package chrome

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/types"
)

type bodyFetcher func(ctx context.Context, requestID string) ([]byte, error)

type responseMeta struct {
	requestID string
	url       string
	status    int
}

// responseRecorder 记录页面上的网络响应,驱动的事件回调与 AwaitResponse 通过它交接
type responseRecorder struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	received map[string]responseMeta
	finished []responseMeta
	changed  chan struct{}
	closed   bool
	lastSeen time.Time

	fetchBody bodyFetcher
}

func newResponseRecorder(fetchBody bodyFetcher) *responseRecorder {
	return &responseRecorder{
		inflight:  make(map[string]struct{}),
		received:  make(map[string]responseMeta),
		changed:   make(chan struct{}),
		lastSeen:  time.Now(),
		fetchBody: fetchBody,
	}
}

// notifyLocked 唤醒所有等待者,调用时必须持有锁
func (r *responseRecorder) notifyLocked() {
	r.lastSeen = time.Now()
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *responseRecorder) onRequest(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.inflight[requestID] = struct{}{}
	r.notifyLocked()
}

func (r *responseRecorder) onResponse(requestID, url string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.received[requestID] = responseMeta{requestID: requestID, url: url, status: status}
}

func (r *responseRecorder) onFinished(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	delete(r.inflight, requestID)
	if meta, ok := r.received[requestID]; ok {
		delete(r.received, requestID)
		r.finished = append(r.finished, meta)
	}
	r.notifyLocked()
}

func (r *responseRecorder) onFailed(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	delete(r.inflight, requestID)
	delete(r.received, requestID)
	r.notifyLocked()
}

func (r *responseRecorder) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.changed)
}

func (r *responseRecorder) lookup(url string) (responseMeta, bool, <-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return responseMeta{}, false, nil, ErrPageClosed
	}
	for _, meta := range r.finished {
		if meta.url == url {
			return meta, true, nil, nil
		}
	}
	return responseMeta{}, false, r.changed, nil
}

// await 返回第一个 URL 完全匹配且已加载完成的响应
func (r *responseRecorder) await(ctx context.Context, url string, timeout time.Duration) (*types.NetworkResponse, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		meta, ok, changed, err := r.lookup(url)
		if err != nil {
			return nil, err
		}
		if ok {
			body, err := r.fetchBody(ctx, meta.requestID)
			if err != nil {
				return nil, fmt.Errorf("获取响应体失败 %s: %w", url, err)
			}
			return &types.NetworkResponse{Url: meta.url, Status: meta.status, Body: body}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%s: %w", url, ErrResponseTimeout)
		case <-changed:
		}
	}
}

// waitIdle 等待页面没有进行中的请求并保持 quiet 时长
func (r *responseRecorder) waitIdle(ctx context.Context, quiet time.Duration) error {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrPageClosed
		}
		idle := len(r.inflight) == 0
		remaining := quiet - time.Since(r.lastSeen)
		changed := r.changed
		r.mu.Unlock()

		if idle && remaining <= 0 {
			return nil
		}
		if remaining <= 0 {
			remaining = quiet
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}
