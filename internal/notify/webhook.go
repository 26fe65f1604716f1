package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"text/template"

	"github.com/wudi/schemahub/internal/config"
	"github.com/wudi/schemahub/internal/tmplutil"
)

// WebhookChannel delivers events as signed JSON POSTs to one endpoint.
type WebhookChannel struct {
	id      string
	url     string
	secret  string
	headers map[string]string
	tmpl    *template.Template // nil = canonical JSON body
	client  *http.Client
}

// newWebhookChannel builds a channel from endpoint config, compiling the
// optional payload template.
func newWebhookChannel(ep config.WebhookEndpoint, client *http.Client) (*WebhookChannel, error) {
	var tmpl *template.Template
	if ep.Template != "" {
		t, err := template.New(ep.ID).Funcs(tmplutil.FuncMap()).Parse(ep.Template)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: failed to parse template: %w", ep.ID, err)
		}
		tmpl = t
	}

	return &WebhookChannel{
		id:      ep.ID,
		url:     ep.URL,
		secret:  ep.Secret,
		headers: ep.Headers,
		tmpl:    tmpl,
		client:  client,
	}, nil
}

// Name returns the configured endpoint id.
func (c *WebhookChannel) Name() string {
	return c.id
}

// Send posts the event to the endpoint.
func (c *WebhookChannel) Send(ctx context.Context, event *Event) error {
	payload, err := c.payload(event)
	if err != nil {
		return fmt.Errorf("render payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Schemahub-Event", string(event.Type))
	req.Header.Set("X-Schemahub-Timestamp", strconv.FormatInt(event.Timestamp.Unix(), 10))

	// HMAC-SHA256 signature when secret is configured
	if c.secret != "" {
		req.Header.Set("X-Schemahub-Signature", "sha256="+signPayload(c.secret, payload))
	}

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error: status %d", resp.StatusCode)
	}

	return fmt.Errorf("client error: status %d", resp.StatusCode)
}

// payload renders the event through the endpoint template, or marshals
// it as canonical JSON when no template is configured.
func (c *WebhookChannel) payload(event *Event) ([]byte, error) {
	if c.tmpl == nil {
		return json.Marshal(event)
	}

	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, event); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// signPayload computes HMAC-SHA256 of the payload using the given secret.
func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
