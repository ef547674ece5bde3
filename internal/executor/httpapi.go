package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	fastshot "github.com/opus-domini/fast-shot"
)

// httpExecutor runs an api-type step as a single HTTP request, built fresh
// each call with fast-shot's fluent client. Unlike SSH there is no
// connection/session to keep warm across calls, so there is nothing to
// store on the struct beyond the resolved credential.
type httpExecutor struct {
	cred resolvedCredential
}

func newHTTPExecutor(cred resolvedCredential) *httpExecutor {
	return &httpExecutor{cred: cred}
}

func (e *httpExecutor) baseClient(baseURL string) fastshot.ClientHttpMethods {
	builder := fastshot.NewClient(baseURL).
		Header().Add("User-Agent", "remediation-core/1.0")
	return builder.Build()
}

func (e *httpExecutor) Connect(ctx context.Context) error         { return nil }
func (e *httpExecutor) Disconnect() error                         { return nil }
func (e *httpExecutor) TestConnection(ctx context.Context) error  { return nil }
func (e *httpExecutor) GetServerInfo(ctx context.Context) (ServerInfo, error) {
	return ServerInfo{Hostname: e.cred.Hostname, OSType: "any", Port: e.cred.Port}, nil
}

// Execute issues cmd's rendered API request and classifies the result
// against the step's expected status codes / response pattern.
func (e *httpExecutor) Execute(ctx context.Context, cmd Command) (Result, error) {
	start := time.Now()

	parsed, err := url.Parse(cmd.APIURL)
	if err != nil {
		return errorResult(cmd, ErrUnknown, false, fmt.Errorf("invalid endpoint: %w", err)), nil
	}
	base := parsed.Scheme + "://" + parsed.Host
	path := parsed.Path
	if path == "" {
		path = "/"
	}

	client := e.baseClient(base)
	builder := e.methodBuilder(client, cmd.APIMethod, path)

	for k, v := range cmd.APIHeaders {
		builder = builder.Header().Add(k, v)
	}
	e.applyAuth(cmd, func(k, v string) { builder = builder.Header().Add(k, v) })

	for k, v := range cmd.APIQueryParams {
		builder = builder.Query().AddParam(k, v)
	}

	if cmd.APIBody != "" {
		switch cmd.APIBodyType {
		case "form":
			builder = builder.Body().AsString(cmd.APIBody)
			builder = builder.Header().Add("Content-Type", "application/x-www-form-urlencoded")
		case "raw":
			builder = builder.Body().AsString(cmd.APIBody)
		default: // "json" and unset
			builder = builder.Body().AsString(cmd.APIBody)
			builder = builder.Header().Add("Content-Type", "application/json")
		}
	}

	resp, err := builder.Context().Set(ctx).Send()
	duration := time.Since(start)
	if err != nil {
		errType := ErrConnection
		if ctx.Err() != nil {
			errType = ErrTimeout
		}
		return Result{
			Success: false, Duration: duration, Command: cmd.APIMethod + " " + cmd.APIURL,
			ServerHostname: parsed.Host, ExecutedAt: start, ErrorType: errType,
			ErrorMessage: err.Error(), Retryable: true,
		}, nil
	}

	status := resp.Status().Code()
	body, readErr := resp.Body().AsString()
	if readErr != nil {
		body = ""
	}
	_ = resp.Body().Close()

	success := statusExpected(status, cmd.APIExpectedStatusCodes)
	if success && cmd.ExpectedOutputRE != "" {
		if re, reErr := regexp.Compile("(?im)" + cmd.ExpectedOutputRE); reErr == nil {
			success = re.MatchString(body)
		}
	}

	errType, errMsg := "", ""
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		errType = ErrAuth
	case !success:
		errType = ErrCommand
		errMsg = fmt.Sprintf("unexpected status %d or response body", status)
	}

	extracted := extractFields(cmd.APIResponseExtract, body)

	return Result{
		Success:        success,
		ExitCode:       status,
		Stdout:         body,
		Duration:       duration,
		Command:        cmd.APIMethod + " " + cmd.APIURL,
		ServerHostname: parsed.Host,
		ExecutedAt:     start,
		ErrorType:      errType,
		ErrorMessage:   errMsg,
		Retryable:      isRetryableStatus(status),
		Extracted:      extracted,
	}, nil
}

func (e *httpExecutor) methodBuilder(client fastshot.ClientHttpMethods, method, path string) *fastshot.RequestBuilder {
	switch strings.ToUpper(method) {
	case http.MethodPost:
		return client.POST(path)
	case http.MethodPut:
		return client.PUT(path)
	case http.MethodDelete:
		return client.DELETE(path)
	case http.MethodPatch:
		return client.PATCH(path)
	default:
		return client.GET(path)
	}
}

// applyAuth sets the header fast-shot's own Auth() builder would set,
// routed through addHeader since the auth mode is data (cmd.APIAuth), not
// known at client-construction time.
func (e *httpExecutor) applyAuth(cmd Command, addHeader func(k, v string)) {
	if cmd.APIAuth == nil {
		return
	}
	switch cmd.APIAuth.Mode {
	case "api_key":
		if cmd.APIAuth.HeaderName != "" {
			addHeader(cmd.APIAuth.HeaderName, cmd.APIAuth.Value)
		}
	case "bearer":
		addHeader("Authorization", "Bearer "+cmd.APIAuth.Value)
	case "basic":
		addHeader("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cmd.APIAuth.Value)))
	case "custom":
		addHeader("Authorization", cmd.APIAuth.Value)
	}
}

// isRetryableStatus reports whether an HTTP status is worth retrying:
// timeouts, throttling, and upstream 5xx conditions.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func statusExpected(status int, expected map[int]struct{}) bool {
	if len(expected) == 0 {
		return status >= 200 && status < 300
	}
	_, ok := expected[status]
	return ok
}

// extractFields applies each named extraction rule to body: a "$." prefix
// is a simplified JSONPath (dot-separated keys, numeric list indices);
// anything else is a regex, first capture group taken.
func extractFields(rules map[string]string, body string) map[string]string {
	if len(rules) == 0 {
		return nil
	}
	var parsed any
	_ = json.Unmarshal([]byte(body), &parsed)

	out := make(map[string]string, len(rules))
	for name, rule := range rules {
		if strings.HasPrefix(rule, "$.") {
			if v, ok := jsonPathLookup(parsed, strings.TrimPrefix(rule, "$.")); ok {
				out[name] = fmt.Sprintf("%v", v)
			}
			continue
		}
		re, err := regexp.Compile(rule)
		if err != nil {
			continue
		}
		if m := re.FindStringSubmatch(body); len(m) > 1 {
			out[name] = m[1]
		} else if len(m) == 1 {
			out[name] = m[0]
		}
	}
	return out
}

func jsonPathLookup(doc any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	cur := doc
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if idx, err := strconv.Atoi(seg); err == nil {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
