// Package proxy 读取代理列表文件并随机挑选代理
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"strings"
)

var ErrEmptyPool = errors.New("代理列表为空")

// Proxy 单个代理;Server 形如 http://host:port,不含认证信息
type Proxy struct {
	Server   string
	Username string
	Password string
}

func (p Proxy) HasAuth() bool {
	return p.Username != ""
}

// URL 带认证信息的完整地址,供直接发 HTTP 请求的驱动使用
func (p Proxy) URL() string {
	u, err := url.Parse(p.Server)
	if err != nil {
		return p.Server
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// Parse 支持 host:port、scheme://[user:pass@]host:port 与 host:port:user:pass
func Parse(line string) (Proxy, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Proxy{}, errors.New("代理地址为空")
	}
	if !strings.Contains(line, "://") {
		parts := strings.Split(line, ":")
		switch len(parts) {
		case 2:
			line = "http://" + line
		case 4:
			return Proxy{
				Server:   "http://" + parts[0] + ":" + parts[1],
				Username: parts[2],
				Password: parts[3],
			}, nil
		default:
			return Proxy{}, fmt.Errorf("无法解析代理地址: %q", line)
		}
	}
	u, err := url.Parse(line)
	if err != nil {
		return Proxy{}, fmt.Errorf("无法解析代理地址 %q: %w", line, err)
	}
	if u.Host == "" {
		return Proxy{}, fmt.Errorf("代理地址缺少 host: %q", line)
	}
	p := Proxy{Server: u.Scheme + "://" + u.Host}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

// Pool 代理池,只读,可并发使用
type Pool struct {
	proxies []Proxy
}

// NewPool 地址中未带认证信息的代理使用 username/password
func NewPool(proxies []Proxy, username, password string) *Pool {
	out := make([]Proxy, 0, len(proxies))
	for _, p := range proxies {
		if !p.HasAuth() && username != "" {
			p.Username, p.Password = username, password
		}
		out = append(out, p)
	}
	return &Pool{proxies: out}
}

// LoadPool 读取代理列表文件,每行一个,空行与 # 开头的行忽略
func LoadPool(path, username, password string) (*Pool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开代理列表失败: %w", err)
	}
	defer f.Close()

	var proxies []Proxy
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := Parse(line)
		if err != nil {
			return nil, fmt.Errorf("%s 第 %d 行: %w", path, lineNo, err)
		}
		proxies = append(proxies, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取代理列表失败: %w", err)
	}
	if len(proxies) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyPool)
	}
	return NewPool(proxies, username, password), nil
}

// Pick 等概率随机选择一个代理
func (p *Pool) Pick() Proxy {
	return p.proxies[rand.IntN(len(p.proxies))]
}

func (p *Pool) All() []Proxy {
	return append([]Proxy(nil), p.proxies...)
}

func (p *Pool) Len() int {
	return len(p.proxies)
}
