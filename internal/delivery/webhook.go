package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/pushrelay/internal/types"
)

const maxResponseBytes = 1 << 20

// webhookReply is the body a subscriber endpoint answers with.
type webhookReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Webhook calls the subscriber-supplied URL.
type Webhook struct {
	client *http.Client
}

func NewWebhook(timeout time.Duration) *Webhook {
	return &Webhook{client: &http.Client{Timeout: timeout}}
}

func bodyMethod(method string) bool {
	switch method {
	case "post", "put", "patch":
		return true
	}
	return false
}

// WebhookURL appends the subscriber key, and for methods without a body the
// serialized packet, to the subscriber's URL.
func WebhookURL(base, method string, packet *types.DispatchPacket) (string, error) {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	u := base + sep + "watchable=" + url.QueryEscape(packet.Watchable)
	if !bodyMethod(method) {
		data, err := json.Marshal(packet)
		if err != nil {
			return "", err
		}
		u += "&data=" + url.QueryEscape(string(data))
	}
	return u, nil
}

func (w *Webhook) Deliver(ctx context.Context, packet *types.DispatchPacket, sub *types.WatchSubscription) Outcome {
	method := strings.ToLower(sub.Options.Method)
	if method == "" {
		method = "get"
	}
	target, err := WebhookURL(sub.Options.URL, method, packet)
	if err != nil {
		return Outcome{Result: Failed, Message: err.Error(), Method: method}
	}
	out := Outcome{URL: target, Method: method}

	var body io.Reader
	if bodyMethod(method) {
		data, err := json.Marshal(packet)
		if err != nil {
			out.Result, out.Message = Failed, err.Error()
			return out
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, body)
	if err != nil {
		out.Result, out.Message = Failed, err.Error()
		return out
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		out.Result, out.Message = Failed, err.Error()
		return out
	}
	defer resp.Body.Close()
	out.Code = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out.Result, out.Message = Failed, http.StatusText(resp.StatusCode)
		return out
	}

	var reply webhookReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&reply); err != nil {
		out.Result, out.Message = Rejected, "invalid webhook response: "+err.Error()
		return out
	}
	if !reply.OK {
		out.Result, out.Message = Rejected, reply.Error
		if out.Message == "" {
			out.Message = "rejected"
		}
		return out
	}
	out.Result, out.Message = Delivered, reply.Error
	if out.Message == "" {
		out.Message = types.OutcomeEmitted
	}
	return out
}
