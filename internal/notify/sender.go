package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"
)

const defaultTemplate = "ledger-sink: {{.Stream}} queue saturated ({{.Batch}}/{{.SoftCap}}) at {{.At.Format \"2006-01-02T15:04:05Z07:00\"}}"

// Notice describes a saturated stream queue.
type Notice struct {
	Stream  string
	Batch   int
	SoftCap int
	At      time.Time
}

// Percent is the drained batch as a share of the soft capacity.
func (n Notice) Percent() int {
	if n.SoftCap <= 0 {
		return 0
	}
	return n.Batch * 100 / n.SoftCap
}

type Sender interface {
	Send(ctx context.Context, n Notice) error
}

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
}

// NewWebhookSender builds a generic HTTP sender posting {"text": ...}.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		client:  defaultClient(),
		headers: headers,
	}, nil
}

// NewSlackSender builds a Slack-compatible webhook sender.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

// NewSender picks a sender by kind: webhook (default), slack or teams.
func NewSender(kind, url, tmpl string) (Sender, error) {
	switch strings.ToLower(kind) {
	case "", "webhook":
		return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{"Content-Type": "application/json"})
	case "slack", "teams":
		// both accept simple {text: "..."} payloads
		return NewSlackSender(url, tmpl)
	default:
		return nil, fmt.Errorf("unknown notify kind: %s", kind)
	}
}

func (s *httpSender) Send(ctx context.Context, n Notice) error {
	bodyStr, err := executeTemplate(s.render, n)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(map[string]string{
		"text": bodyStr,
	})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify http status %d", resp.StatusCode)
	}
	return nil
}

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"upper": strings.ToUpper,
	}
	t, err := template.New("msg").Funcs(funcs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return t, nil
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
