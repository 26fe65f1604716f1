package orchestrator

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/schemahub/internal/metrics"
	"github.com/wudi/schemahub/internal/schema"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, hex
// encoded and prefixed with "sha256=".
const SignatureHeader = "X-Schemahub-Signature-256"

// compositionResponseSchema is the contract every external composition
// service must answer with. Responses are validated before any field is
// trusted.
const compositionResponseSchema = `{
  "type": "object",
  "required": ["type", "result"],
  "properties": {
    "type": {"enum": ["success", "failure"]},
    "result": {"type": "object"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "success"}}},
      "then": {
        "properties": {
          "result": {
            "type": "object",
            "required": ["supergraph"],
            "properties": {"supergraph": {"type": "string"}}
          }
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "failure"}}},
      "then": {
        "properties": {
          "result": {
            "type": "object",
            "required": ["errors"],
            "properties": {
              "errors": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["message"],
                  "properties": {
                    "message": {"type": "string"},
                    "source": {"type": "string"}
                  }
                }
              }
            }
          }
        }
      }
    }
  ]
}`

// ExternalOptions configures the external composition client.
type ExternalOptions struct {
	Timeout          time.Duration // per-attempt HTTP timeout (default 30s)
	MaxRetries       int           // extra attempts on retryable failures (default 2)
	InitialInterval  time.Duration // first backoff interval (default 500ms)
	BreakerThreshold uint32        // consecutive failures before opening (default 5)
	BreakerCooldown  time.Duration // open-state duration (default 30s)
	Logger           *zap.Logger
}

// CompositionResult is an external service's verdict: either a
// supergraph SDL or the list of composition errors.
type CompositionResult struct {
	Supergraph string
	Errors     []schema.Error
}

// ExternalComposer delegates federation composition to an HTTP service.
// Requests are signed with the project secret; responses are validated
// against a JSON schema. Transport failures are retried with exponential
// backoff behind a circuit breaker.
type ExternalComposer struct {
	client          *http.Client
	breaker         *gobreaker.CircuitBreaker[[]byte]
	maxRetries      int
	initialInterval time.Duration
	responseSchema  *jsonschema.Schema
	logger          *zap.Logger
}

// NewExternalComposer creates the external composition client.
func NewExternalComposer(opts ExternalOptions) (*ExternalComposer, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(compositionResponseSchema), &doc); err != nil {
		return nil, fmt.Errorf("parse composition response schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("composition-response.json", doc); err != nil {
		return nil, fmt.Errorf("add composition response schema: %w", err)
	}
	respSchema, err := compiler.Compile("composition-response.json")
	if err != nil {
		return nil, fmt.Errorf("compile composition response schema: %w", err)
	}

	threshold := opts.BreakerThreshold
	logger := opts.Logger
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "external-composition",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("External composition breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &ExternalComposer{
		client:          &http.Client{Timeout: opts.Timeout},
		breaker:         breaker,
		maxRetries:      opts.MaxRetries,
		initialInterval: opts.InitialInterval,
		responseSchema:  respSchema,
		logger:          opts.Logger,
	}, nil
}

type externalSubgraph struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	SDL  string `json:"sdl"`
}

type externalResponse struct {
	Type   string `json:"type"`
	Result struct {
		Supergraph string `json:"supergraph"`
		Errors     []struct {
			Message string `json:"message"`
			Source  string `json:"source"`
		} `json:"errors"`
	} `json:"result"`
}

// Compose sends the schema set to the external service and returns its
// verdict. A failure-type response is an expected composition failure;
// every other problem (transport, bad status, invalid response shape,
// open breaker) is a fault.
func (c *ExternalComposer) Compose(ctx context.Context, schemas []schema.Object, cfg schema.ExternalComposition) (*CompositionResult, error) {
	subgraphs := make([]externalSubgraph, 0, len(schemas))
	for _, s := range schemas {
		subgraphs = append(subgraphs, externalSubgraph{Name: s.Service, URL: s.URL, SDL: s.Raw})
	}
	payload, err := json.Marshal(subgraphs)
	if err != nil {
		return nil, fmt.Errorf("marshal composition request: %w", err)
	}

	raw, err := c.breaker.Execute(func() ([]byte, error) {
		return c.post(ctx, cfg.Endpoint, payload, cfg.Secret)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ExternalRequestsTotal.WithLabelValues("open").Inc()
			return nil, fmt.Errorf("external composition unavailable: %w", err)
		}
		metrics.ExternalRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		metrics.ExternalRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("invalid composition response: %w", err)
	}
	if err := c.responseSchema.Validate(doc); err != nil {
		metrics.ExternalRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("composition response failed contract validation: %s", err.Error())
	}

	var resp externalResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		metrics.ExternalRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode composition response: %w", err)
	}

	if resp.Type == "failure" {
		metrics.ExternalRequestsTotal.WithLabelValues("failure").Inc()
		result := &CompositionResult{}
		for _, e := range resp.Result.Errors {
			msg := e.Message
			if e.Source != "" {
				msg = fmt.Sprintf("[%s] %s", e.Source, e.Message)
			}
			result.Errors = append(result.Errors, schema.Error{Message: msg})
		}
		return result, nil
	}

	metrics.ExternalRequestsTotal.WithLabelValues("success").Inc()
	return &CompositionResult{Supergraph: resp.Result.Supergraph}, nil
}

// post delivers the signed request, retrying transport errors and 5xx
// responses with exponential backoff. 4xx responses are not retried.
func (c *ExternalComposer) post(ctx context.Context, endpoint string, payload []byte, secret string) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying external composition request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, retryable, err := c.attempt(ctx, endpoint, payload, secret)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("external composition failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *ExternalComposer) attempt(ctx context.Context, endpoint string, payload []byte, secret string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+signPayload(secret, payload))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, fmt.Errorf("read response: %w", err)
		}
		return data, false, nil
	}

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("server error: status %d", resp.StatusCode)
	}
	return nil, false, fmt.Errorf("client error: status %d", resp.StatusCode)
}

// signPayload computes HMAC-SHA256 of the payload using the given secret.
func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
