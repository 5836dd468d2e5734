package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"claimline/api/internal/auth"
	"claimline/api/internal/export"
	"claimline/api/internal/store"
)

func issueTestToken(t *testing.T, sub, name, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  sub,
		Name: name,
		Role: role,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func newHTTPFixture(t *testing.T) (*serviceFixture, http.Handler) {
	t.Helper()
	f := newServiceFixture(t)
	return f, NewHTTPServer(f.service, "*").Handler()
}

func doRequest(handler http.Handler, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func waitUntil(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHTTPHealth(t *testing.T) {
	_, handler := newHTTPFixture(t)
	rec := doRequest(handler, http.MethodGet, "/api/health", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHTTPReadyReportsDatabaseFailure(t *testing.T) {
	f, handler := newHTTPFixture(t)
	f.store.pingErr = errors.New("connection refused")

	rec := doRequest(handler, http.MethodGet, "/api/ready", "", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Ok     bool   `json:"ok"`
		Status string `json:"status"`
	}
	decodeJSON(t, rec, &payload)
	if payload.Ok || payload.Status != "not_ready" {
		t.Errorf("payload = %+v", payload)
	}
}

type unreachableChannel struct{ *fakeChannel }

func (unreachableChannel) Ping(context.Context) error { return errors.New("connection refused") }

func TestHTTPReadyReportsRedisFailure(t *testing.T) {
	st := newFakeStore()
	service := NewService(st, &fakeBlobs{}, unreachableChannel{&fakeChannel{}}, staticResolver{}, nil, export.NewService(st), "test-secret", nil)
	t.Cleanup(service.Close)
	handler := NewHTTPServer(service, "*").Handler()

	rec := doRequest(handler, http.MethodGet, "/api/ready", "", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Ok     bool `json:"ok"`
		Checks map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
	}
	decodeJSON(t, rec, &payload)
	if payload.Ok || payload.Checks["redis"].Status != "error" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Checks["database"].Status != "ok" {
		t.Errorf("database check = %+v", payload.Checks["database"])
	}
}

func TestHTTPSessionState(t *testing.T) {
	_, handler := newHTTPFixture(t)
	token := issueTestToken(t, "usr_w", "Werkstatt Nord", "workshop")

	rec := doRequest(handler, http.MethodPost, "/api/claims/clm_1/chat/sessions", token, nil, "")
	var opened OpenSessionResult
	decodeJSON(t, rec, &opened)

	rec = doRequest(handler, http.MethodGet, "/api/chat/sessions/"+opened.SessionID+"/state", token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var state struct {
		Phase           string `json:"phase"`
		ComposerEnabled bool   `json:"composerEnabled"`
	}
	decodeJSON(t, rec, &state)
	if state.Phase != "open" || !state.ComposerEnabled {
		t.Errorf("state = %+v", state)
	}

	other := issueTestToken(t, "usr_i", "Norddeutsche Versicherung AG", "insurer")
	rec = doRequest(handler, http.MethodGet, "/api/chat/sessions/"+opened.SessionID+"/state", other, nil, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign viewer: status = %d", rec.Code)
	}
}

func TestHTTPRejectsMissingAndBadTokens(t *testing.T) {
	_, handler := newHTTPFixture(t)

	rec := doRequest(handler, http.MethodGet, "/api/claims/clm_1/messages", "", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d", rec.Code)
	}

	rec = doRequest(handler, http.MethodGet, "/api/claims/clm_1/messages", "not.a.token", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status = %d", rec.Code)
	}

	expired, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub: "usr_w", Name: "Werkstatt Nord", Role: "workshop", Exp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec = doRequest(handler, http.MethodGet, "/api/claims/clm_1/messages", expired, nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expired token: status = %d", rec.Code)
	}
}

func TestHTTPOpenSendAndHistory(t *testing.T) {
	f, handler := newHTTPFixture(t)
	token := issueTestToken(t, "usr_w", "Werkstatt Nord", "workshop")

	rec := doRequest(handler, http.MethodPost, "/api/claims/clm_1/chat/sessions", token, nil, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session: status = %d body = %s", rec.Code, rec.Body.String())
	}
	var opened OpenSessionResult
	decodeJSON(t, rec, &opened)
	if opened.SessionID == "" {
		t.Fatal("missing session id")
	}

	body := strings.NewReader(`{"body":"Teil bestellt"}`)
	rec = doRequest(handler, http.MethodPost, "/api/chat/sessions/"+opened.SessionID+"/messages", token, body, "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send: status = %d body = %s", rec.Code, rec.Body.String())
	}
	var ack SendResult
	decodeJSON(t, rec, &ack)
	if !strings.HasPrefix(ack.TempID, "tmp") {
		t.Errorf("temp id = %q", ack.TempID)
	}

	waitUntil(t, "message persisted", func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return len(f.store.messages) == 1
	})

	rec = doRequest(handler, http.MethodGet, "/api/claims/clm_1/messages", token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history: status = %d", rec.Code)
	}
	var history HistoryResult
	decodeJSON(t, rec, &history)
	if len(history.Messages) != 1 || history.Messages[0].Body != "Teil bestellt" {
		t.Errorf("messages = %+v", history.Messages)
	}

	rec = doRequest(handler, http.MethodDelete, "/api/chat/sessions/"+opened.SessionID, token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("close: status = %d", rec.Code)
	}
}

func TestHTTPSendMultipartUploadsFiles(t *testing.T) {
	f, handler := newHTTPFixture(t)
	token := issueTestToken(t, "usr_w", "Werkstatt Nord", "workshop")

	rec := doRequest(handler, http.MethodPost, "/api/claims/clm_1/chat/sessions", token, nil, "")
	var opened OpenSessionResult
	decodeJSON(t, rec, &opened)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("body", "Foto vom Schaden"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := form.CreateFormFile("files", "schaden.jpg")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("jpegbytes"))
	_ = form.Close()

	rec = doRequest(handler, http.MethodPost, "/api/chat/sessions/"+opened.SessionID+"/messages", token, &buf, form.FormDataContentType())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send: status = %d body = %s", rec.Code, rec.Body.String())
	}

	waitUntil(t, "attachment uploaded", func() bool {
		f.blobs.mu.Lock()
		defer f.blobs.mu.Unlock()
		return len(f.blobs.uploads) == 1 && strings.Contains(f.blobs.uploads[0], "schaden.jpg")
	})
}

func TestHTTPSessionEventsStream(t *testing.T) {
	f, handler := newHTTPFixture(t)
	token := issueTestToken(t, "usr_w", "Werkstatt Nord", "workshop")

	server := httptest.NewServer(handler)
	defer server.Close()

	rec := doRequest(handler, http.MethodPost, "/api/claims/clm_1/chat/sessions", token, nil, "")
	var opened OpenSessionResult
	decodeJSON(t, rec, &opened)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/chat/sessions/"+opened.SessionID+"/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}

	f.channel.deliver(store.Message{ID: "msg_9", ClaimID: "clm_1", SenderID: "usr_i", Body: "Freigabe erteilt"})

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, open := <-lines:
			if !open {
				t.Fatal("stream closed before event arrived")
			}
			if line == "event: appended" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for appended event")
		}
	}
}

func TestHTTPSearchRequiresClaimScope(t *testing.T) {
	_, handler := newHTTPFixture(t)
	token := issueTestToken(t, "usr_w", "Werkstatt Nord", "workshop")

	rec := doRequest(handler, http.MethodGet, "/api/search?q=Teil", token, nil, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Code string `json:"code"`
	}
	decodeJSON(t, rec, &payload)
	if payload.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %q", payload.Code)
	}
}

func TestHTTPUnknownRouteIsJSON(t *testing.T) {
	_, handler := newHTTPFixture(t)
	rec := doRequest(handler, http.MethodGet, "/api/nope", "", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Code string `json:"code"`
	}
	decodeJSON(t, rec, &payload)
	if payload.Code != "NOT_FOUND" {
		t.Errorf("code = %q", payload.Code)
	}
}

func TestHTTPPreflight(t *testing.T) {
	_, handler := newHTTPFixture(t)
	rec := doRequest(handler, http.MethodOptions, "/api/claims/clm_1/messages", "", nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}
