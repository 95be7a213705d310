package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/triflow/triflow/internal/secrets"
	"github.com/triflow/triflow/pkg/schema"
)

const (
	defaultHTTPTimeout   = 30 * time.Second
	maxHTTPResponseBytes = 4 << 20
)

// HTTPAction performs an outbound HTTP request. It backs integrations with
// MES and ERP endpoints that workflows call as ordinary action nodes.
type HTTPAction struct {
	client *http.Client
	vault  secrets.Vault
}

// NewHTTPAction builds the action around the given client. A nil client gets
// a default with a 30s timeout.
func NewHTTPAction(client *http.Client) *HTTPAction {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPAction{client: client}
}

// UseVault enables secret:// references in auth credential parameters.
func (a *HTTPAction) UseVault(v secrets.Vault) {
	a.vault = v
}

func (a *HTTPAction) Definition() Action {
	return Action{
		Name: "http.request",
		Schema: ActionSchema{
			Description: "Perform an HTTP request against an external endpoint",
			Parameters: map[string]string{
				"url":                  "target URL (required)",
				"method":               "HTTP method, default GET",
				"headers":              "map of request headers",
				"query":                "map of query string parameters",
				"body":                 "request body, encoded per body_encoding",
				"body_encoding":        "json | form | text (default json)",
				"auth_type":            "bearer | basic | api_key",
				"auth_token":           "token for bearer auth",
				"auth_username":        "username for basic auth",
				"auth_password":        "password for basic auth",
				"auth_header":          "header name for api_key auth (default X-API-Key)",
				"auth_key":             "key value for api_key auth",
				"timeout_seconds":      "per-request timeout override",
				"fail_on_error_status": "treat 4xx/5xx as action failure (default true)",
			},
		},
		Validate: a.validate,
		Execute:  a.execute,
	}
}

func (a *HTTPAction) validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request requires a url parameter")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request url %q is not a valid http(s) URL", rawURL)
	}
	switch enc := stringParam(params, "body_encoding", "json"); enc {
	case "json", "form", "text":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request body_encoding %q is not supported", enc)
	}
	switch auth := stringParam(params, "auth_type", ""); auth {
	case "", "bearer", "basic", "api_key":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request auth_type %q is not supported", auth)
	}
	return nil
}

func (a *HTTPAction) execute(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
	params := input.Params
	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	rawURL := stringParam(params, "url", "")

	body, contentType, err := encodeBody(params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "http.request: build request: %v", err).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	applyHeaders(req, params)
	applyQuery(req, params)
	if err := a.applyAuth(ctx, req, params); err != nil {
		return nil, err
	}

	client := a.client
	if secs := intParam(params, "timeout_seconds", 0); secs > 0 {
		c := *client
		c.Timeout = time.Duration(secs) * time.Second
		client = &c
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "http.request: %s %s: %v", method, rawURL, err).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "http.request: read response: %v", err).WithCause(err)
	}

	if boolParam(params, "fail_on_error_status", true) && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
			"http.request: %s %s returned status %d", method, rawURL, resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": truncate(string(respBody), 512)})
	}

	out := map[string]any{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
	}
	if json.Valid(respBody) {
		out["body"] = json.RawMessage(respBody)
	} else {
		out["body"] = string(respBody)
	}
	return marshalOutput(out)
}

func encodeBody(params map[string]any) (io.Reader, string, error) {
	raw, ok := params["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "json":
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "http.request: encode json body: %v", err)
		}
		return bytes.NewReader(data), "application/json", nil
	case "form":
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http.request: form body must be an object")
		}
		values := url.Values{}
		for k, v := range m {
			values.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", nil
	default:
		return strings.NewReader(fmt.Sprint(raw)), "text/plain", nil
	}
}

func applyHeaders(req *http.Request, params map[string]any) {
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
}

func applyQuery(req *http.Request, params map[string]any) {
	query, ok := params["query"].(map[string]any)
	if !ok || len(query) == 0 {
		return
	}
	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, fmt.Sprint(v))
	}
	req.URL.RawQuery = q.Encode()
}

// applyAuth attaches request credentials. Credential parameters accept
// secret:// references; the resolved plaintext exists only on the wire.
func (a *HTTPAction) applyAuth(ctx context.Context, req *http.Request, params map[string]any) error {
	switch stringParam(params, "auth_type", "") {
	case "":
	case "bearer":
		token, err := secrets.ResolveString(ctx, a.vault, stringParam(params, "auth_token", ""))
		if err != nil {
			return err
		}
		if token == "" {
			return schema.NewError(schema.ErrCodeValidation, "http.request: bearer auth requires auth_token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case "basic":
		user := stringParam(params, "auth_username", "")
		if user == "" {
			return schema.NewError(schema.ErrCodeValidation, "http.request: basic auth requires auth_username")
		}
		password, err := secrets.ResolveString(ctx, a.vault, stringParam(params, "auth_password", ""))
		if err != nil {
			return err
		}
		req.SetBasicAuth(user, password)
	case "api_key":
		key, err := secrets.ResolveString(ctx, a.vault, stringParam(params, "auth_key", ""))
		if err != nil {
			return err
		}
		if key == "" {
			return schema.NewError(schema.ErrCodeValidation, "http.request: api_key auth requires auth_key")
		}
		req.Header.Set(stringParam(params, "auth_header", "X-API-Key"), key)
	}
	return nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
