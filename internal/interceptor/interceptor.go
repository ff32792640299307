// Package interceptor implements the Interceptor (spec §4.K): the
// top-level retry state machine that ties the Account Manager,
// Request Transformer, Response Classifier, and SSE Converter
// together around a single outbound call to the vendor's API.
package interceptor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/opencode-plugins/codex-switch/internal/account"
	"github.com/opencode-plugins/codex-switch/internal/classify"
	apperrors "github.com/opencode-plugins/codex-switch/internal/pkg/errors"
	"github.com/opencode-plugins/codex-switch/internal/sse"
	"github.com/opencode-plugins/codex-switch/internal/transform"
)

// MaxRetries is the §4.K retry cap.
const MaxRetries = 3

const (
	originatorHeader      = "originator"
	originatorValue       = "codex_cli_rs"
	betaHeader            = "openai-beta"
	betaValue             = "responses=experimental"
	accountIDHeader       = "chatgpt-account-id"
	conversationIDHeader  = "conversation_id"
	sessionIDHeader       = "session_id"
)

// Manager is the Account Manager dependency (internal/manager.Manager
// satisfies this).
type Manager interface {
	SelectAccount() (*account.Account, int)
	EnsureAccessToken(ctx context.Context, idx int) *account.Account
	RecordSuccess(idx int)
	MarkRateLimited(idx int, reason account.RateLimitReason)
	RecordFailure(idx int)
}

// HTTPDoer is satisfied by *http.Client; narrowed so the Interceptor
// can be tested with a stub.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request is the inbound call the host hands to the Interceptor.
type Request struct {
	Method          string
	URL             string
	Header          http.Header
	Body            []byte
	PromptCacheKey  string
}

// Response is what the Interceptor returns to the host.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestDumper receives the pre-transform body, post-transform body,
// and final upstream status for every call Handle makes, when
// structured per-request debug dumping (§6
// ENABLE_PLUGIN_REQUEST_LOGGING) is enabled. internal/requestlog.Writer
// satisfies this.
type RequestDumper interface {
	Write(pre, post []byte, statusCode int)
}

// Interceptor implements §4.K.
type Interceptor struct {
	manager    Manager
	client     HTTPDoer
	transform  transform.Config
	log        *slog.Logger
	dumper     RequestDumper
}

// Config configures an Interceptor.
type Config struct {
	Manager    Manager
	Client     HTTPDoer
	Transform  transform.Config
	Logger     *slog.Logger
	// Dumper, if non-nil, receives a debug dump of every call Handle
	// makes (§6 ENABLE_PLUGIN_REQUEST_LOGGING).
	Dumper RequestDumper
}

// New constructs an Interceptor.
func New(cfg Config) *Interceptor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Interceptor{
		manager:   cfg.Manager,
		client:    cfg.Client,
		transform: cfg.Transform,
		log:       cfg.Logger,
		dumper:    cfg.Dumper,
	}
}

// isRetryableStatus reports whether status is one of the statuses that
// drive account rotation (§4.K S3).
func isRetryableStatus(status int) bool {
	switch status {
	case 429, 404, 503, 529:
		return true
	}
	return false
}

// upstreamKind maps a Response Classifier reason (§4.I) onto the §7
// UPSTREAM_* error kind logged alongside the surfaced response.
func upstreamKind(reason classify.Reason) string {
	switch reason {
	case classify.ReasonServerError:
		return apperrors.KindUpstreamServerErr
	case classify.ReasonUsageLimit, classify.ReasonRateLimit:
		return apperrors.KindUpstreamRateLimit
	default:
		return apperrors.KindUpstreamOther
	}
}

// Handle implements the §4.K state machine.
func (ic *Interceptor) Handle(ctx context.Context, req Request) (resp *Response, err error) {
	acc, idx := ic.manager.SelectAccount()
	if acc == nil {
		return nil, apperrors.NoAccounts("no usable accounts in pool")
	}

	result, err := transform.Transform(req.Body, ic.transform)
	if err != nil {
		// PARSE_ERROR (§7): skip transformation, send the request
		// unchanged rather than erroring.
		parseErr := apperrors.ParseError(err.Error())
		ic.log.Warn("request transform failed, sending body unchanged", "error", parseErr)
		result = transform.Result{Body: req.Body, IsStream: false}
	}
	body := result.Body
	isStream := result.IsStream

	if ic.dumper != nil {
		defer func() {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			ic.dumper.Write(req.Body, body, status)
		}()
	}

	attempt := 0
	for {
		refreshed := ic.manager.EnsureAccessToken(ctx, idx)
		if refreshed == nil {
			if attempt < MaxRetries {
				attempt++
				next, nextIdx := ic.manager.SelectAccount()
				if next == nil {
					return nil, apperrors.NoAccounts("no usable accounts after token refresh failure")
				}
				acc, idx = next, nextIdx
				continue
			}
			return nil, apperrors.NoAccounts("token refresh exhausted retry budget")
		}
		acc = refreshed

		upstreamURL := rewriteURL(req.URL)
		headers := composeHeaders(req.Header, acc, req.PromptCacheKey)

		httpReq, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(body))
		if buildErr != nil {
			return nil, buildErr
		}
		httpReq.Header = headers

		resp, sendErr := ic.client.Do(httpReq)
		if sendErr != nil {
			return nil, fmt.Errorf("upstream send failed: %w", sendErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			ic.manager.RecordSuccess(idx)
			return ic.finalizeSuccess(resp, isStream)
		}

		if isRetryableStatus(resp.StatusCode) {
			text := drain(resp.Body)
			effectiveStatus, reason := classify.Remap404(resp.StatusCode, text)
			if resp.StatusCode == 404 && reason == classify.ReasonUnknown {
				// Real 404: surfaced unchanged, no rotation.
				return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: []byte(text)}, nil
			}

			upstreamErr := apperrors.New(effectiveStatus, upstreamKind(reason), text)
			ic.log.Warn("upstream error, rotating account", "index", idx, "error", upstreamErr)
			ic.manager.MarkRateLimited(idx, account.RateLimitReason(reason))

			if attempt < MaxRetries {
				next, nextIdx := ic.manager.SelectAccount()
				if next != nil {
					attempt++
					acc, idx = next, nextIdx
					continue
				}
			}
			return &Response{StatusCode: effectiveStatus, Header: resp.Header, Body: []byte(text)}, nil
		}

		if resp.StatusCode == 401 {
			authErr := apperrors.New(401, apperrors.KindUpstreamAuth, "upstream rejected the access token")
			ic.log.Warn("upstream auth error, rotating account", "index", idx, "error", authErr)
			ic.manager.RecordFailure(idx)
			if attempt < MaxRetries {
				next, nextIdx := ic.manager.SelectAccount()
				if next != nil {
					attempt++
					acc, idx = next, nextIdx
					continue
				}
			}
			return readThrough(resp)
		}

		otherErr := apperrors.New(resp.StatusCode, apperrors.KindUpstreamOther, "unclassified upstream status")
		ic.log.Warn("upstream error surfaced unchanged", "status", resp.StatusCode, "error", otherErr)
		return readThrough(resp)
	}
}

// finalizeSuccess implements the maybe_sse_to_json branch of S3.
func (ic *Interceptor) finalizeSuccess(resp *http.Response, isStream bool) (*Response, error) {
	defer resp.Body.Close()

	if isStream {
		header := resp.Header.Clone()
		header.Set("Content-Type", sse.PassthroughContentType(header.Get("Content-Type")))
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &Response{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
	}

	collapsed, err := sse.Collapse(resp.Body)
	if err != nil {
		return nil, err
	}
	header := resp.Header.Clone()
	header.Set("Content-Type", collapsed.ContentType)
	return &Response{StatusCode: resp.StatusCode, Header: header, Body: collapsed.Body}, nil
}

func readThrough(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func drain(body io.ReadCloser) string {
	defer body.Close()
	b, _ := io.ReadAll(body)
	return string(b)
}

// rewriteURL implements §4.K's URL rewrite: replace the trailing
// "/responses" path segment with "/codex/responses".
func rewriteURL(raw string) string {
	const suffix = "/responses"
	const replacement = "/codex/responses"
	if strings.HasSuffix(raw, suffix) && !strings.HasSuffix(raw, replacement) {
		return strings.TrimSuffix(raw, suffix) + replacement
	}
	return raw
}

// composeHeaders implements §4.K's header-composition rule. base is
// the caller's original header set; a fresh set is built rather than
// mutated in place.
func composeHeaders(base http.Header, acc *account.Account, promptCacheKey string) http.Header {
	h := make(http.Header, len(base)+8)
	for k, v := range base {
		h[k] = append([]string(nil), v...)
	}
	h.Del("x-api-key")

	h.Set("Authorization", "Bearer "+acc.AccessToken)
	h.Set(accountIDHeader, acc.AccountID)
	h.Set(betaHeader, betaValue)
	h.Set(originatorHeader, originatorValue)
	h.Set("Accept", "text/event-stream")

	if promptCacheKey != "" {
		h.Set(conversationIDHeader, promptCacheKey)
		h.Set(sessionIDHeader, promptCacheKey)
	} else {
		h.Del(conversationIDHeader)
		h.Del(sessionIDHeader)
	}

	return h
}
