package api

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/url2image/internal/broker"
	"github.com/JakeFAU/url2image/internal/browser"
	"github.com/JakeFAU/url2image/internal/render"
)

func TestServer_Render_DefaultPNG(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.post(`{"url":"https://example.com"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "png", rec.Body.String())

	page := env.launcher.lastPage()
	require.Equal(t, 1920, page.width)
	require.Equal(t, 1080, page.height)
	require.Equal(t, 1, page.closes)
}

func TestServer_Render_FullPageJPEG(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.post(`{"url":"https://example.com","format":"jpeg","quality":40,"fullPage":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))

	page := env.launcher.lastPage()
	require.Equal(t, browser.ScreenshotOptions{Format: render.FormatJPEG, Quality: 40, FullPage: true}, page.shot)
}

func TestServer_Render_ETag(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.post(`{"url":"https://example.com"}`)
	require.Empty(t, rec.Header().Get("ETag"))

	env.server = NewServer(env.broker, &fakeIDGen{}, Config{Tagger: prefixTagger{}}, zap.NewNop())
	rec = env.post(`{"url":"https://example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `"tag-png"`, rec.Header().Get("ETag"))
}

func TestServer_Render_MissingURL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for _, body := range []string{`{}`, ``, `{"url":""}`} {
		rec := env.post(body)
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		require.JSONEq(t, `{"error":"URL is required"}`, rec.Body.String())
	}
	require.Zero(t, env.launcher.launchCount(), "validation failures must not start a browser")
}

func TestServer_Render_TimeoutReleasesPage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.launcher.hang = map[string]bool{"http://10.255.255.1": true}

	rec := env.post(`{"url":"http://10.255.255.1","timeoutMs":100}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"Failed to render URL"}`, rec.Body.String())
	require.Equal(t, 1, env.launcher.lastPage().closes)

	rec = env.post(`{"url":"https://example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, env.launcher.launchCount(), "browser handle should be reused")
}

func TestServer_Render_FieldValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.post(`{"url":"https://example.com","format":"gif"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "format must be one of png, jpeg")

	rec = env.post(`{"url":"https://example.com","width":-1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "width")
}

func TestServer_Render_InvalidJSON(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.post(`{invalid`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error":"invalid JSON"}`, rec.Body.String())
}

func TestServer_Render_BodyTooLarge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.server = NewServer(env.broker, &fakeIDGen{}, Config{MaxBodyBytes: 64}, zap.NewNop())
	rec := env.post(`{"url":"https://example.com/` + strings.Repeat("a", 128) + `"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.JSONEq(t, `{"error":"request body too large"}`, rec.Body.String())
}

func TestServer_Render_LaunchFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.launcher.err = errors.New("exec: chrome not found")
	rec := env.post(`{"url":"https://example.com"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"Failed to render URL"}`, rec.Body.String())
}

func TestServer_DrainingRejectsAndReports(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.get("/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, env.broker.DrainAndClose(context.Background()))

	rec = env.post(`{"url":"https://example.com"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"error":"service shutting down"}`, rec.Body.String())

	rec = env.get("/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = env.get("/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.post(`{"url":"https://example.com"}`)
	rec := env.get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "render_requests_total")
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.server = NewServer(env.broker, &fakeIDGen{ids: []string{"req-1"}}, Config{}, zap.NewNop())

	rec := env.get("/healthz")
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream", rec.Header().Get("X-Request-ID"))

	server := NewServer(env.broker, nil, Config{}, nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(panicRenderer{}, &fakeIDGen{}, Config{}, zap.NewNop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/render", bytes.NewBufferString(`{"url":"https://example.com"}`))
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"validation", &render.ValidationError{Field: "url", Message: "URL is required"}, http.StatusBadRequest, "URL is required"},
		{"closed", render.ErrClosed, http.StatusServiceUnavailable, msgShuttingDown},
		{"timeout", render.Classify(render.ErrTimeout, context.DeadlineExceeded), http.StatusInternalServerError, msgRenderFailed},
		{"network", render.ErrNetwork, http.StatusInternalServerError, msgRenderFailed},
		{"launch", render.ErrLaunch, http.StatusInternalServerError, msgRenderFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			status, msg := classify(tt.err)
			require.Equal(t, tt.status, status)
			require.Equal(t, tt.msg, msg)
		})
	}
}

// --- helpers/fakes ---

type testEnv struct {
	launcher *fakeLauncher
	manager  *browser.Manager
	broker   *broker.Broker
	server   *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	launcher := &fakeLauncher{}
	manager := browser.NewManager(launcher, zap.NewNop())
	b := broker.New(manager, zap.NewNop(), broker.Options{})
	t.Cleanup(func() { _ = manager.Close() })
	return &testEnv{
		launcher: launcher,
		manager:  manager,
		broker:   b,
		server:   NewServer(b, &fakeIDGen{}, Config{}, zap.NewNop()),
	}
}

func (e *testEnv) post(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/render", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	err      error
	hang     map[string]bool
	pages    []*fakePage
}

func (l *fakeLauncher) Launch(context.Context) (browser.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.launches++
	return &fakeBrowser{launcher: l}, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) lastPage() pageSnapshot {
	l.mu.Lock()
	p := l.pages[len(l.pages)-1]
	l.mu.Unlock()
	return p.snapshot()
}

type fakeBrowser struct {
	launcher *fakeLauncher
}

func (b *fakeBrowser) NewPage(context.Context) (browser.Page, error) {
	b.launcher.mu.Lock()
	defer b.launcher.mu.Unlock()
	p := &fakePage{hang: b.launcher.hang}
	b.launcher.pages = append(b.launcher.pages, p)
	return p, nil
}

func (b *fakeBrowser) Close() error { return nil }

type pageSnapshot struct {
	width, height int
	shot          browser.ScreenshotOptions
	closes        int
}

type fakePage struct {
	mu   sync.Mutex
	hang map[string]bool
	snap pageSnapshot
}

func (p *fakePage) SetViewport(_ context.Context, width, height int, _ float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.width, p.snap.height = width, height
	return nil
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	if p.hang[url] {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *fakePage) Screenshot(_ context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.shot = opts
	return []byte(opts.Format), nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.closes++
	return nil
}

func (p *fakePage) snapshot() pageSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

type panicRenderer struct{}

func (panicRenderer) Render(context.Context, render.Params) (render.Result, error) {
	panic("renderer exploded")
}

func (panicRenderer) Accepting() bool { return true }

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type prefixTagger struct{}

func (prefixTagger) ETag(data []byte) (string, error) {
	return `"tag-` + string(data) + `"`, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
