// Package dispatch executes assistant-requested tool calls against the
// external business API, with retry, argument normalization, and response
// caching.
package dispatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Error codes carried in the result envelope.
const (
	CodeFunctionExecution = "FUNCTION_EXECUTION_ERROR"
	CodeConfiguration     = "CONFIGURATION_ERROR"
	CodeNetwork           = "NETWORK_ERROR"
	CodeHTTP              = "HTTP_ERROR"
)

// routingKeys are argument fields that steer the dispatch itself and are
// stripped before transmission.
var routingKeys = []string{"path", "url", "endpoint", "method", "http_method", "auth"}

// Endpoint pins a function to an explicit path and method.
type Endpoint struct {
	Path   string
	Method string
}

// Auth configures the authentication applied to outbound calls.
type Auth struct {
	Scheme      string // "none", "basic", "bearer", "api-key", "header"
	Username    string
	Password    string
	Token       string
	HeaderName  string
	HeaderValue string
}

// Result is the uniform envelope returned for every tool call, regardless
// of which step failed.
type Result struct {
	Success bool            `json:"success"`
	Status  int             `json:"status,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ResultError    `json:"error,omitempty"`
}

// ResultError describes a failed tool call.
type ResultError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Dispatcher maps assistant function calls to HTTP operations and executes
// them. Safe for concurrent use.
type Dispatcher struct {
	baseURL     string
	client      *http.Client
	overrides   map[string]Endpoint
	aliases     map[string]string
	headers     map[string]string
	auth        Auth
	maxAttempts int
	backoffBase time.Duration
	cacheTTL    time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	result  Result
	expires time.Time
}

// Opts holds parameters for creating a Dispatcher.
type Opts struct {
	BaseURL     string
	Timeout     time.Duration     // per-call HTTP timeout, defaults to 30s
	MaxAttempts int               // total attempts including the first, defaults to 3
	BackoffBase time.Duration     // defaults to 500ms
	CacheTTL    time.Duration     // GET response cache TTL, defaults to 60s
	Overrides   map[string]Endpoint
	Aliases     map[string]string // assistant field name -> API field name
	Headers     map[string]string // merged into every request
	Auth        Auth
	Client      *http.Client // optional; overrides Timeout when set
}

// New creates a Dispatcher.
func New(opts Opts) (*Dispatcher, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("dispatch: base url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := opts.BackoffBase
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Dispatcher{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		client:      client,
		overrides:   opts.Overrides,
		aliases:     opts.Aliases,
		headers:     opts.Headers,
		auth:        opts.Auth,
		maxAttempts: maxAttempts,
		backoffBase: backoff,
		cacheTTL:    ttl,
		cache:       make(map[string]cacheEntry),
		now:         time.Now,
	}, nil
}

// Execute runs one tool call and always returns an envelope — a parse
// failure, a missing configuration, or an exhausted retry budget all come
// back as {success:false, error:{...}}, never as a panic.
func (d *Dispatcher) Execute(ctx context.Context, functionName, rawArgs string) Result {
	args, err := parseArgs(rawArgs)
	if err != nil {
		log.Printf("dispatch: %s: invalid arguments: %v", functionName, err)
		return errorResult(0, "invalid arguments", CodeFunctionExecution)
	}

	endpoint := d.resolveEndpoint(functionName, args)
	payload := d.normalizeArgs(args)

	var body []byte
	if methodHasBody(endpoint.Method) && len(payload) > 0 {
		body, err = json.Marshal(payload)
		if err != nil {
			return errorResult(0, fmt.Sprintf("encode arguments: %v", err), CodeFunctionExecution)
		}
	}

	url := d.baseURL + endpoint.Path

	cacheKey := ""
	if endpoint.Method == http.MethodGet {
		cacheKey = buildCacheKey(endpoint.Method, url, body)
		if cached, ok := d.cacheGet(cacheKey); ok {
			log.Printf("dispatch: %s: cache hit [%s %s]", functionName, endpoint.Method, endpoint.Path)
			return cached
		}
	}

	result := d.call(ctx, functionName, endpoint.Method, url, body)

	if result.Success && cacheKey != "" {
		d.cachePut(cacheKey, result)
	}
	return result
}

// ClearCache drops all cached GET responses.
func (d *Dispatcher) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[string]cacheEntry)
}

// resolveEndpoint picks the path and method for a function call. The
// explicit override table wins; otherwise the path is the kebab-cased
// function name and the method defaults to POST unless the arguments say
// otherwise.
func (d *Dispatcher) resolveEndpoint(functionName string, args map[string]any) Endpoint {
	if ep, ok := d.overrides[functionName]; ok {
		method := ep.Method
		if method == "" {
			method = http.MethodPost
		}
		return Endpoint{Path: ensureLeadingSlash(ep.Path), Method: strings.ToUpper(method)}
	}

	path := stringArg(args, "path", "url", "endpoint")
	if path == "" {
		path = strings.ReplaceAll(strings.ToLower(functionName), "_", "-")
	}
	method := stringArg(args, "method", "http_method")
	if method == "" {
		method = http.MethodPost
	}
	return Endpoint{Path: ensureLeadingSlash(path), Method: strings.ToUpper(method)}
}

// normalizeArgs strips routing-only keys and applies the configured field
// aliases so minor naming drift between the assistant and the API schema
// does not hard-fail the call.
func (d *Dispatcher) normalizeArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, k := range routingKeys {
		delete(out, k)
	}
	for from, to := range d.aliases {
		v, ok := out[from]
		if !ok {
			continue
		}
		if _, taken := out[to]; taken {
			continue
		}
		out[to] = v
		delete(out, from)
	}
	return out
}

// call executes the HTTP request with retry. Network errors, 5xx and 429
// responses are retried with exponential backoff up to the attempt budget;
// any other status is terminal on first sight.
func (d *Dispatcher) call(ctx context.Context, functionName, method, url string, body []byte) Result {
	var lastErr error
	var lastResult Result

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(math.Pow(2, float64(attempt-2))) * d.backoffBase
			select {
			case <-ctx.Done():
				return errorResult(0, ctx.Err().Error(), CodeNetwork)
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return errorResult(0, fmt.Sprintf("build request: %v", err), CodeConfiguration)
		}
		d.applyHeaders(req, len(body) > 0)

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			log.Printf("dispatch: %s: attempt %d/%d failed [%s %s]: %v",
				functionName, attempt, d.maxAttempts, method, url, err)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if retryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			lastResult = statusResult(resp.StatusCode, respBody)
			log.Printf("dispatch: %s: attempt %d/%d got %d [%s %s]",
				functionName, attempt, d.maxAttempts, resp.StatusCode, method, url)
			continue
		}

		return statusResult(resp.StatusCode, respBody)
	}

	if lastResult.Status != 0 {
		return lastResult
	}
	return errorResult(0, fmt.Sprintf("request failed after %d attempts: %v", d.maxAttempts, lastErr), CodeNetwork)
}

// applyHeaders merges default headers and the configured auth scheme.
func (d *Dispatcher) applyHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	switch d.auth.Scheme {
	case "basic":
		req.SetBasicAuth(d.auth.Username, d.auth.Password)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+d.auth.Token)
	case "api-key":
		req.Header.Set("X-API-Key", d.auth.Token)
	case "header":
		if d.auth.HeaderName != "" {
			req.Header.Set(d.auth.HeaderName, d.auth.HeaderValue)
		}
	}
}

func (d *Dispatcher) cacheGet(key string) (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.cache[key]
	if !ok {
		return Result{}, false
	}
	if d.now().After(entry.expires) {
		delete(d.cache, key)
		return Result{}, false
	}
	return entry.result, true
}

func (d *Dispatcher) cachePut(key string, result Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache[key] = cacheEntry{result: result, expires: d.now().Add(d.cacheTTL)}
}

// parseArgs decodes the raw JSON arguments. Empty input means no arguments.
func parseArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// statusResult builds the envelope for a completed HTTP exchange.
func statusResult(status int, body []byte) Result {
	if status >= 200 && status < 300 {
		return Result{Success: true, Status: status, Data: rawJSON(body)}
	}
	return Result{
		Success: false,
		Status:  status,
		Error:   &ResultError{Message: upstreamMessage(status, body), Code: CodeHTTP},
	}
}

func errorResult(status int, message, code string) Result {
	return Result{Success: false, Status: status, Error: &ResultError{Message: message, Code: code}}
}

// rawJSON returns body as-is when it is valid JSON, otherwise as a JSON
// string so the envelope always carries well-formed data.
func rawJSON(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return json.RawMessage(quoted)
}

// upstreamMessage extracts a human-readable error detail from an API error
// body, falling back to the status code.
func upstreamMessage(status int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Detail  any    `json:"detail"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
		if s, ok := payload.Detail.(string); ok && s != "" {
			return s
		}
		if items, ok := payload.Detail.([]any); ok && len(items) > 0 {
			parts := make([]string, 0, len(items))
			for _, item := range items {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				msg, _ := m["msg"].(string)
				field := lastLoc(m["loc"])
				if field != "" && msg != "" {
					parts = append(parts, field+": "+msg)
				} else if msg != "" {
					parts = append(parts, msg)
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "; ")
			}
		}
	}
	return fmt.Sprintf("upstream returned status %d", status)
}

// lastLoc returns the final element of a validation error location array.
func lastLoc(loc any) string {
	items, ok := loc.([]any)
	if !ok || len(items) == 0 {
		return ""
	}
	s, _ := items[len(items)-1].(string)
	return s
}

func buildCacheKey(method, url string, body []byte) string {
	sum := sha256.Sum256(body)
	return method + " " + url + " " + hex.EncodeToString(sum[:])
}

func stringArg(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := args[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func ensureLeadingSlash(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}
