package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/rendis/conductor/pkg/schema"
)

// HTTPConfig configures the HTTP actions.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	UserAgent       string
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	defaultUserAgent       = "conductor/1"
)

// Param helpers used by all action files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

const httpGetInputSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "query": {"type": "object"},
    "select": {"type": "string"},
    "timeout": {"type": "string"}
  },
  "required": ["url"]
}`

// HTTPGetAction implements the "http.get" lookup action. It never retries;
// a failed fetch fails the step.
type HTTPGetAction struct {
	config HTTPConfig
	client *resty.Client
}

// NewHTTPGetAction creates a new http.get action.
func NewHTTPGetAction(cfg HTTPConfig) *HTTPGetAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	client := resty.New().
		SetHeader("User-Agent", cfg.UserAgent).
		SetDoNotParseResponse(true)
	return &HTTPGetAction{config: cfg, client: client}
}

func (a *HTTPGetAction) Name() string { return "http.get" }

func (a *HTTPGetAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Fetch a URL. Optional 'select' narrows a JSON body with a gjson path.",
		InputSchema: json.RawMessage(httpGetInputSchema),
	}
}

func (a *HTTPGetAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	rawURL := stringParam(params, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.get: invalid url %q", rawURL)
	}

	timeout := a.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := a.client.R().SetContext(reqCtx)
	if q, ok := params["query"].(map[string]any); ok {
		for k, v := range q {
			req.SetQueryParam(k, fmt.Sprintf("%v", v))
		}
	}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.SetHeader(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := req.Get(u.String())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "http.get: request failed: %v", err).WithCause(err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	body, err := io.ReadAll(io.LimitReader(raw, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionExecution, "http.get: failed to read response body").WithCause(err)
	}
	status := resp.StatusCode()
	if status >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "http.get: server returned %d", status).
			WithDetails(map[string]any{"status_code": status, "body": schema.Truncate(string(body), 200)})
	}

	text := string(body)
	var parsed any = text
	if gjson.ValidBytes(body) {
		res := gjson.ParseBytes(body)
		if sel := stringParam(params, "select", ""); sel != "" {
			res = res.Get(sel)
			if !res.Exists() {
				return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "http.get: select %q matched nothing", sel)
			}
			text = res.String()
		}
		parsed = res.Value()
	}

	return &ActionOutput{
		Result: text,
		Data: map[string]any{
			"status_code":  status,
			"content_type": resp.Header().Get("Content-Type"),
			"body":         parsed,
		},
	}, nil
}

// compactText renders an arbitrary value as a compact result string.
func compactText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimSpace(string(b))
}
