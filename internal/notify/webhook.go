package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"pasarguard/plane/internal/core"
	"pasarguard/plane/pkg/logger"

	"go.uber.org/zap"
)

// WebhookNotifier 把控制面事件投递到外部回调地址。
// 尽力而为：投递失败只记录日志。
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookNotifier 创建通知器；url 为空时返回 nil
func NewWebhookNotifier(url, secret string, timeout time.Duration) *WebhookNotifier {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

// Sink 返回可订阅到事件总线的消费者
func (n *WebhookNotifier) Sink() core.Sink {
	return func(ev core.Event) {
		n.deliver(ev)
	}
}

func (n *WebhookNotifier) deliver(ev core.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("X-Webhook-Secret", n.secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		logger.Warn("事件回调投递失败",
			zap.String("kind", ev.Kind),
			zap.Error(err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn("事件回调被拒绝",
			zap.String("kind", ev.Kind),
			zap.Int("status", resp.StatusCode))
	}
}
