package interceptor

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/opencode-plugins/codex-switch/internal/account"
	apperrors "github.com/opencode-plugins/codex-switch/internal/pkg/errors"
	"github.com/opencode-plugins/codex-switch/internal/transform"
)

type fakeManager struct {
	accounts       []account.Account
	selectCalls    int
	selectOrder    []int // index returned on successive SelectAccount calls
	markedReasons  map[int]account.RateLimitReason
	failedIdx      []int
	succeededIdx   []int
	ensureFailFor  map[int]bool
}

func (f *fakeManager) SelectAccount() (*account.Account, int) {
	if f.selectCalls >= len(f.selectOrder) {
		return nil, -1
	}
	idx := f.selectOrder[f.selectCalls]
	f.selectCalls++
	if idx < 0 {
		return nil, -1
	}
	acc := f.accounts[idx]
	return &acc, idx
}

func (f *fakeManager) EnsureAccessToken(ctx context.Context, idx int) *account.Account {
	if f.ensureFailFor[idx] {
		return nil
	}
	acc := f.accounts[idx]
	return &acc
}

func (f *fakeManager) RecordSuccess(idx int) {
	f.succeededIdx = append(f.succeededIdx, idx)
}

func (f *fakeManager) MarkRateLimited(idx int, reason account.RateLimitReason) {
	if f.markedReasons == nil {
		f.markedReasons = map[int]account.RateLimitReason{}
	}
	f.markedReasons[idx] = reason
}

func (f *fakeManager) RecordFailure(idx int) {
	f.failedIdx = append(f.failedIdx, idx)
}

type fakeDoer struct {
	responses []*http.Response
	calls     int
	reqs      []*http.Request
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.reqs = append(f.reqs, req)
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func jsonResp(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func baseAccounts() []account.Account {
	return []account.Account{
		{AccountID: "acct-0", AccessToken: "tok-0"},
		{AccountID: "acct-1", AccessToken: "tok-1"},
	}
}

func newInterceptor(mgr Manager, doer HTTPDoer) *Interceptor {
	return New(Config{
		Manager: mgr,
		Client:  doer,
		Transform: transform.Config{
			CodexMode: true,
		},
	})
}

func newInterceptorWithLogger(mgr Manager, doer HTTPDoer, logger *slog.Logger) *Interceptor {
	return New(Config{
		Manager: mgr,
		Client:  doer,
		Transform: transform.Config{
			CodexMode: true,
		},
		Logger: logger,
	})
}

func TestHandleSuccessNonStreamCollapsesSSE(t *testing.T) {
	mgr := &fakeManager{accounts: baseAccounts(), selectOrder: []int{0}}
	stream := "data: {\"type\":\"response.completed\",\"response\":{\"id\":\"r1\"}}\n"
	doer := &fakeDoer{responses: []*http.Response{
		{StatusCode: 200, Header: http.Header{"Content-Type": {"text/event-stream"}}, Body: io.NopCloser(bytes.NewReader([]byte(stream)))},
	}}
	ic := newInterceptor(mgr, doer)

	resp, err := ic.Handle(context.Background(), Request{
		Method: "POST",
		URL:    "https://example.com/backend-api/codex/responses",
		Header: http.Header{},
		Body:   []byte(`{"model":"gpt-5.1-codex","stream":false}`),
	})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"id":"r1"}` {
		t.Errorf("Body = %s, want collapsed JSON", resp.Body)
	}
	if len(mgr.succeededIdx) != 1 || mgr.succeededIdx[0] != 0 {
		t.Errorf("succeededIdx = %v, want [0]", mgr.succeededIdx)
	}
}

func TestHandleNoAccountsReturnsError(t *testing.T) {
	mgr := &fakeManager{accounts: nil, selectOrder: []int{-1}}
	ic := newInterceptor(mgr, &fakeDoer{})
	_, err := ic.Handle(context.Background(), Request{URL: "https://example.com/responses", Body: []byte(`{}`)})
	if err == nil {
		t.Fatalf("Handle() error = nil, want NO_ACCOUNTS")
	}
}

// 404→429 remap (§8 concrete scenario): a 404 whose body matches a
// usage-limit pattern is treated as rate limiting and rotates accounts.
func TestHandleRemaps404ToRateLimitAndRotates(t *testing.T) {
	mgr := &fakeManager{accounts: baseAccounts(), selectOrder: []int{0, 1}}
	doer := &fakeDoer{responses: []*http.Response{
		jsonResp(404, `{"error":{"message":"You've hit your usage limit"}}`),
		jsonResp(200, `{"ok":true}`),
	}}
	ic := newInterceptor(mgr, doer)

	resp, err := ic.Handle(context.Background(), Request{
		URL:  "https://example.com/responses",
		Body: []byte(`{"model":"gpt-5.1-codex"}`),
	})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200 after rotation", resp.StatusCode)
	}
	if mgr.markedReasons[0] != account.UsageLimitReached {
		t.Errorf("markedReasons[0] = %v, want UsageLimitReached", mgr.markedReasons[0])
	}
	if len(mgr.succeededIdx) != 1 || mgr.succeededIdx[0] != 1 {
		t.Errorf("succeededIdx = %v, want [1] (rotated account succeeded)", mgr.succeededIdx)
	}
}

func TestHandleRealNotFoundSurfacesUnchanged(t *testing.T) {
	mgr := &fakeManager{accounts: baseAccounts(), selectOrder: []int{0}}
	doer := &fakeDoer{responses: []*http.Response{
		jsonResp(404, `{"error":{"message":"no route for /unknown"}}`),
	}}
	ic := newInterceptor(mgr, doer)

	resp, err := ic.Handle(context.Background(), Request{URL: "https://example.com/responses", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want 404 (real not-found, no remap)", resp.StatusCode)
	}
	if len(mgr.markedReasons) != 0 {
		t.Errorf("markedReasons = %v, want none (no rotation on real 404)", mgr.markedReasons)
	}
}

func TestHandleRetryCapExhaustionReturnsLastResponse(t *testing.T) {
	mgr := &fakeManager{accounts: baseAccounts(), selectOrder: []int{0, 1, 0, 1}}
	doer := &fakeDoer{responses: []*http.Response{
		jsonResp(429, `{"error":"rate limited"}`),
		jsonResp(429, `{"error":"rate limited"}`),
		jsonResp(429, `{"error":"rate limited"}`),
		jsonResp(429, `{"error":"rate limited"}`),
	}}
	ic := newInterceptor(mgr, doer)

	resp, err := ic.Handle(context.Background(), Request{URL: "https://example.com/responses", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if resp.StatusCode != 429 {
		t.Errorf("StatusCode = %d, want 429 after exhausting retries", resp.StatusCode)
	}
	if doer.calls != MaxRetries+1 {
		t.Errorf("doer.calls = %d, want %d (initial + %d retries)", doer.calls, MaxRetries+1, MaxRetries)
	}
}

func TestHandleURLRewriteToCodexResponses(t *testing.T) {
	mgr := &fakeManager{accounts: baseAccounts(), selectOrder: []int{0}}
	doer := &fakeDoer{responses: []*http.Response{jsonResp(200, `{"ok":true}`)}}
	ic := newInterceptor(mgr, doer)

	_, err := ic.Handle(context.Background(), Request{URL: "https://example.com/backend-api/responses", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if got := doer.reqs[0].URL.String(); got != "https://example.com/backend-api/codex/responses" {
		t.Errorf("rewritten URL = %q, want .../codex/responses", got)
	}
}

func TestHandleHeaderCompositionWithPromptCacheKey(t *testing.T) {
	mgr := &fakeManager{accounts: baseAccounts(), selectOrder: []int{0}}
	doer := &fakeDoer{responses: []*http.Response{jsonResp(200, `{"ok":true}`)}}
	ic := newInterceptor(mgr, doer)

	base := http.Header{}
	base.Set("x-api-key", "should-be-removed")
	_, err := ic.Handle(context.Background(), Request{
		URL:            "https://example.com/responses",
		Header:         base,
		Body:           []byte(`{}`),
		PromptCacheKey: "conv-123",
	})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	sent := doer.reqs[0].Header
	if sent.Get("x-api-key") != "" {
		t.Errorf("x-api-key = %q, want removed", sent.Get("x-api-key"))
	}
	if sent.Get("Authorization") != "Bearer tok-0" {
		t.Errorf("Authorization = %q, want Bearer tok-0", sent.Get("Authorization"))
	}
	if sent.Get("conversation_id") != "conv-123" {
		t.Errorf("conversation_id = %q, want conv-123", sent.Get("conversation_id"))
	}
	if sent.Get("session_id") != "conv-123" {
		t.Errorf("session_id = %q, want conv-123", sent.Get("session_id"))
	}
}

func TestHandleHeaderCompositionWithoutPromptCacheKeyClearsIDs(t *testing.T) {
	mgr := &fakeManager{accounts: baseAccounts(), selectOrder: []int{0}}
	doer := &fakeDoer{responses: []*http.Response{jsonResp(200, `{"ok":true}`)}}
	ic := newInterceptor(mgr, doer)

	base := http.Header{}
	base.Set("conversation_id", "stale")
	_, err := ic.Handle(context.Background(), Request{URL: "https://example.com/responses", Header: base, Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if doer.reqs[0].Header.Get("conversation_id") != "" {
		t.Errorf("conversation_id = %q, want cleared when no PromptCacheKey", doer.reqs[0].Header.Get("conversation_id"))
	}
}

func TestHandleTokenRefreshFailureRotates(t *testing.T) {
	mgr := &fakeManager{
		accounts:      baseAccounts(),
		selectOrder:   []int{0, 1},
		ensureFailFor: map[int]bool{0: true},
	}
	doer := &fakeDoer{responses: []*http.Response{jsonResp(200, `{"ok":true}`)}}
	ic := newInterceptor(mgr, doer)

	resp, err := ic.Handle(context.Background(), Request{URL: "https://example.com/responses", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200 after rotating past the failed refresh", resp.StatusCode)
	}
}

func TestHandleServerErrorRotatesAccounts(t *testing.T) {
	mgr := &fakeManager{accounts: baseAccounts(), selectOrder: []int{0, 1}}
	doer := &fakeDoer{responses: []*http.Response{
		jsonResp(503, `{"error":"service unavailable"}`),
		jsonResp(200, `{"ok":true}`),
	}}
	var logBuf bytes.Buffer
	ic := newInterceptorWithLogger(mgr, doer, slog.New(slog.NewTextHandler(&logBuf, nil)))

	resp, err := ic.Handle(context.Background(), Request{URL: "https://example.com/responses", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200 after rotation on 503", resp.StatusCode)
	}
	if !strings.Contains(logBuf.String(), apperrors.KindUpstreamServerErr) {
		t.Errorf("log output = %q, want it to report a %s error", logBuf.String(), apperrors.KindUpstreamServerErr)
	}
}

func TestHandleUpstreamAuthErrorLogsAndRotates(t *testing.T) {
	mgr := &fakeManager{accounts: baseAccounts(), selectOrder: []int{0, 1}}
	doer := &fakeDoer{responses: []*http.Response{
		jsonResp(401, `{"error":"invalid_token"}`),
		jsonResp(200, `{"ok":true}`),
	}}
	var logBuf bytes.Buffer
	ic := newInterceptorWithLogger(mgr, doer, slog.New(slog.NewTextHandler(&logBuf, nil)))

	resp, err := ic.Handle(context.Background(), Request{URL: "https://example.com/responses", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200 after rotation on 401", resp.StatusCode)
	}
	if !strings.Contains(logBuf.String(), apperrors.KindUpstreamAuth) {
		t.Errorf("log output = %q, want it to report a %s error", logBuf.String(), apperrors.KindUpstreamAuth)
	}
}

func TestHandleTransformFailureLogsParseErrorAndSendsUnchanged(t *testing.T) {
	mgr := &fakeManager{accounts: baseAccounts(), selectOrder: []int{0}}
	doer := &fakeDoer{responses: []*http.Response{jsonResp(200, `{"ok":true}`)}}
	var logBuf bytes.Buffer
	ic := newInterceptorWithLogger(mgr, doer, slog.New(slog.NewTextHandler(&logBuf, nil)))

	resp, err := ic.Handle(context.Background(), Request{URL: "https://example.com/responses", Body: []byte(`not json`)})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200 with the body sent unchanged", resp.StatusCode)
	}
	if got := mustReqBody(t, doer.reqs[0]); !bytes.Equal(got, []byte("not json")) {
		t.Errorf("request body = %q, want it sent unchanged", got)
	}
	if !strings.Contains(logBuf.String(), apperrors.KindParseError) {
		t.Errorf("log output = %q, want it to report a %s error", logBuf.String(), apperrors.KindParseError)
	}
}

type fakeDumper struct {
	pre, post []byte
	status    int
	calls     int
}

func (f *fakeDumper) Write(pre, post []byte, status int) {
	f.pre, f.post, f.status = pre, post, status
	f.calls++
}

func TestHandleDumpsRequestWhenDumperConfigured(t *testing.T) {
	mgr := &fakeManager{accounts: baseAccounts(), selectOrder: []int{0}}
	doer := &fakeDoer{responses: []*http.Response{jsonResp(200, `{"ok":true}`)}}
	dumper := &fakeDumper{}
	ic := New(Config{
		Manager:   mgr,
		Client:    doer,
		Transform: transform.Config{CodexMode: true},
		Dumper:    dumper,
	})

	resp, err := ic.Handle(context.Background(), Request{URL: "https://example.com/responses", Body: []byte(`{"model":"gpt-5.1"}`)})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if dumper.calls != 1 {
		t.Fatalf("dumper.calls = %d, want 1", dumper.calls)
	}
	if string(dumper.pre) != `{"model":"gpt-5.1"}` {
		t.Errorf("dumper pre-transform body = %s, want the original request body", dumper.pre)
	}
	if dumper.status != resp.StatusCode {
		t.Errorf("dumper status = %d, want %d", dumper.status, resp.StatusCode)
	}
}

func mustReqBody(t *testing.T, req *http.Request) []byte {
	t.Helper()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read request body: %v", err)
	}
	return b
}
