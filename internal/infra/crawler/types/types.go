package types

import "fmt"

// NetworkResponse 页面内某个网络请求的完整响应
type NetworkResponse struct {
	Url    string
	Status int
	Body   []byte
}

// WaitPolicy 导航完成的判定方式
type WaitPolicy string

const (
	WaitDOMContentLoaded WaitPolicy = "domcontentloaded"
	WaitLoad             WaitPolicy = "load"
	WaitNetworkIdle      WaitPolicy = "networkidle"
)

func ParseWaitPolicy(s string) (WaitPolicy, error) {
	switch WaitPolicy(s) {
	case "":
		return WaitDOMContentLoaded, nil
	case WaitDOMContentLoaded, WaitLoad, WaitNetworkIdle:
		return WaitPolicy(s), nil
	default:
		return "", fmt.Errorf("未知的等待策略: %q", s)
	}
}
