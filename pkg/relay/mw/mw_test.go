package mw

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestLogger(out *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(out, nil))
}

func parseSingleLogRecord(t *testing.T, out *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected one log record, got none")
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("unmarshal log record %q: %v", line, err)
	}
	return rec
}

type testHijackerWriter struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (w *testHijackerWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

func TestRequestID_GeneratesAndEchoes(t *testing.T) {
	t.Parallel()

	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if !strings.HasPrefix(seen, "req_") {
		t.Fatalf("request id=%q, want req_ prefix", seen)
	}
	if got := rr.Header().Get("X-Request-ID"); got != seen {
		t.Fatalf("header=%q, context=%q", got, seen)
	}
}

func TestRequestID_KeepsCallerProvidedID(t *testing.T) {
	t.Parallel()

	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req_caller")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "req_caller" {
		t.Fatalf("request id=%q, want req_caller", seen)
	}
}

func TestRecover_TurnsPanicInto500(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	h := Recover(newTestLogger(out), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/channels", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rr.Code)
	}
	if !strings.Contains(out.String(), "boom") {
		t.Fatalf("log=%q, want panic value", out.String())
	}
}

func TestAccessLog_RecordsStatusAndPath(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	h := AccessLog(newTestLogger(out), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/channels", nil)
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(WithRequestID(req.Context(), "req_test")))

	rec := parseSingleLogRecord(t, out)
	if got, _ := rec["status"].(float64); int(got) != http.StatusTeapot {
		t.Fatalf("status=%v, want 418", rec["status"])
	}
	if rec["path"] != "/channels" || rec["request_id"] != "req_test" {
		t.Fatalf("record=%v", rec)
	}
}

func TestAccessLog_PreservesHijacker(t *testing.T) {
	t.Parallel()

	writer := &testHijackerWriter{ResponseRecorder: httptest.NewRecorder()}
	h := AccessLog(newTestLogger(&bytes.Buffer{}), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("expected http.Hijacker to be preserved")
		}
		_, _, _ = hj.Hijack()
	}))

	h.ServeHTTP(writer, httptest.NewRequest(http.MethodGet, "/socket", nil))

	if !writer.hijacked {
		t.Fatal("expected hijack to be delegated")
	}
}

func TestAccessLog_DoesNotAdvertiseUnsupportedInterfaces(t *testing.T) {
	t.Parallel()

	base := struct{ http.ResponseWriter }{httptest.NewRecorder()}
	h := AccessLog(newTestLogger(&bytes.Buffer{}), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Hijacker); ok {
			t.Fatal("did not expect http.Hijacker to be advertised")
		}
	}))

	h.ServeHTTP(base, httptest.NewRequest(http.MethodGet, "/healthz", nil))
}

func TestCORS_PreflightAllowlisted(t *testing.T) {
	t.Parallel()

	allowed := map[string]struct{}{"https://app.example.com": {}}
	h := CORS(allowed, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("preflight must not reach the next handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/socket", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d, want 204", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestCORS_PreflightDeniedForUnknownOrigin(t *testing.T) {
	t.Parallel()

	allowed := map[string]struct{}{"https://app.example.com": {}}
	h := CORS(allowed, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("denied preflight must not reach the next handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/socket", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", rr.Code)
	}
}

func TestCORS_SimpleRequestGetsExposeHeaders(t *testing.T) {
	t.Parallel()

	allowed := map[string]struct{}{"https://app.example.com": {}}
	called := false
	h := CORS(allowed, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/channels", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if !called {
		t.Fatal("next handler not called")
	}
	if got := rr.Header().Get("Access-Control-Expose-Headers"); got != "X-Request-ID" {
		t.Fatalf("expose-headers=%q", got)
	}
}

func TestCORS_NoAllowlistPassesThroughWithoutHeaders(t *testing.T) {
	t.Parallel()

	called := false
	h := CORS(nil, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/channels", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if !called {
		t.Fatal("next handler not called")
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin=%q, want empty", got)
	}
}
