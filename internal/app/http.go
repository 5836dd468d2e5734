package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"claimline/api/internal/auth"
	"claimline/api/internal/chat"
	"claimline/api/internal/export"
	"claimline/api/internal/search"
	"claimline/api/internal/store"
)

// maxSendBody caps a multipart send request; individual files ride along in
// memory until the controller has streamed them to the object store.
const maxSendBody = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	router     *mux.Router
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}

	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/api/claims/{claimID}/chat/sessions", s.withSession(s.handleOpenSession)).Methods(http.MethodPost)
	r.HandleFunc("/api/chat/sessions/{sessionID}/events", s.withSession(s.handleSessionEvents)).Methods(http.MethodGet)
	r.HandleFunc("/api/chat/sessions/{sessionID}/messages", s.withSession(s.handleSendMessage)).Methods(http.MethodPost)
	r.HandleFunc("/api/chat/sessions/{sessionID}/state", s.withSession(s.handleSessionState)).Methods(http.MethodGet)
	r.HandleFunc("/api/chat/sessions/{sessionID}", s.withSession(s.handleCloseSession)).Methods(http.MethodDelete)

	r.HandleFunc("/api/claims/{claimID}/messages", s.withSession(s.handleHistory)).Methods(http.MethodGet)
	r.HandleFunc("/api/attachments/{attachmentID}/url", s.withSession(s.handleAttachmentURL)).Methods(http.MethodGet)
	r.HandleFunc("/api/claims/{claimID}/attachments/presign", s.withSession(s.handlePresignUpload)).Methods(http.MethodPost)
	r.HandleFunc("/api/claims/{claimID}/transcript.pdf", s.withSession(s.handleTranscript(export.FormatPDF))).Methods(http.MethodGet)
	r.HandleFunc("/api/claims/{claimID}/transcript.html", s.withSession(s.handleTranscript(export.FormatHTML))).Methods(http.MethodGet)
	r.HandleFunc("/api/search", s.withSession(s.handleSearch)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	s.router = r
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"redis":    map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingFanout(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, viewer Session)

func (s *HTTPServer) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		viewer, err := s.service.SessionFromToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next(w, r, viewer)
	}
}

func (s *HTTPServer) handleOpenSession(w http.ResponseWriter, r *http.Request, viewer Session) {
	claimID := mux.Vars(r)["claimID"]
	payload, err := s.service.OpenChatSession(r.Context(), viewer, claimID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleSessionEvents(w http.ResponseWriter, r *http.Request, viewer Session) {
	sessionID := mux.Vars(r)["sessionID"]
	events, err := s.service.SessionEvents(viewer, sessionID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("app: marshal %s event: %v", ev.Type, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request, viewer Session) {
	sessionID := mux.Vars(r)["sessionID"]

	text, files, err := readSendRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	payload, err := s.service.SendChatMessage(viewer, sessionID, text, files)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusAccepted, payload)
}

// readSendRequest accepts either a JSON body or multipart form data with
// files. File contents are buffered: the send runs on after this request has
// been acknowledged, when the form's temporary storage is already gone.
func readSendRequest(r *http.Request) (string, []chat.OutgoingFile, error) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/") {
		var body struct {
			Body string `json:"body"`
		}
		if err := decodeBody(r, &body); err != nil {
			return "", nil, err
		}
		return body.Body, nil, nil
	}

	if err := r.ParseMultipartForm(maxSendBody); err != nil {
		return "", nil, fmt.Errorf("invalid multipart body")
	}
	text := r.FormValue("body")

	var files []chat.OutgoingFile
	if r.MultipartForm != nil {
		for _, header := range r.MultipartForm.File["files"] {
			f, err := header.Open()
			if err != nil {
				return "", nil, fmt.Errorf("open uploaded file %q", header.Filename)
			}
			content, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				return "", nil, fmt.Errorf("read uploaded file %q", header.Filename)
			}
			files = append(files, chat.OutgoingFile{
				Name:    header.Filename,
				Type:    header.Header.Get("Content-Type"),
				Size:    int64(len(content)),
				Content: bytes.NewReader(content),
			})
		}
	}
	return text, files, nil
}

// handleSessionState re-evaluates retention against the current clock, so a
// conversation left on screen across the window boundary can lock its
// composer without a reload.
func (s *HTTPServer) handleSessionState(w http.ResponseWriter, r *http.Request, viewer Session) {
	sessionID := mux.Vars(r)["sessionID"]
	state, err := s.service.SessionState(viewer, sessionID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleCloseSession(w http.ResponseWriter, r *http.Request, viewer Session) {
	sessionID := mux.Vars(r)["sessionID"]
	if err := s.service.CloseChatSession(viewer, sessionID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, viewer Session) {
	claimID := mux.Vars(r)["claimID"]
	payload, err := s.service.History(r.Context(), viewer, claimID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleAttachmentURL(w http.ResponseWriter, r *http.Request, viewer Session) {
	attachmentID := mux.Vars(r)["attachmentID"]
	payload, err := s.service.AttachmentURL(r.Context(), viewer, attachmentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handlePresignUpload(w http.ResponseWriter, r *http.Request, viewer Session) {
	claimID := mux.Vars(r)["claimID"]
	var body struct {
		MessageID string `json:"messageId"`
		FileName  string `json:"fileName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.PresignUpload(r.Context(), viewer, claimID, body.MessageID, body.FileName)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleTranscript(format export.Format) sessionHandler {
	return func(w http.ResponseWriter, r *http.Request, viewer Session) {
		claimID := mux.Vars(r)["claimID"]
		result, err := s.service.ExportTranscript(r.Context(), viewer, claimID, format)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		_, _ = w.Write(result.Data)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, viewer Session) {
	query := search.Query{
		Text:       strings.TrimSpace(r.URL.Query().Get("q")),
		ClaimID:    strings.TrimSpace(r.URL.Query().Get("claimId")),
		SenderRole: strings.TrimSpace(r.URL.Query().Get("senderRole")),
		Limit:      20,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		query.Limit = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		query.Offset = parsed
	}

	payload, err := s.service.SearchMessages(r.Context(), viewer, query)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writeJSON(writer, http.StatusNoContent, map[string]any{})
			return
		}

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps the SSE stream working behind the logging wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
