// Package app is the service façade: it authenticates viewers, enforces
// claim-party authorization, owns the registry of live chat sessions and
// exposes everything over HTTP.
package app

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"claimline/api/internal/auth"
	"claimline/api/internal/blobstore"
	"claimline/api/internal/chat"
	"claimline/api/internal/export"
	"claimline/api/internal/fanout"
	"claimline/api/internal/rbac"
	"claimline/api/internal/retention"
	"claimline/api/internal/search"
	"claimline/api/internal/store"
	"claimline/api/internal/util"
)

// Session is the authenticated viewer derived from a bearer token.
type Session struct {
	UserID   string
	UserName string
	Role     rbac.Role
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetClaim(ctx context.Context, claimID string) (store.Claim, error)
	IsClaimParty(ctx context.Context, claimID, userID string) (bool, error)
	AppendMessage(ctx context.Context, msg store.Message) (store.Message, error)
	ListMessagesByClaim(ctx context.Context, claimID string) ([]store.Message, error)
	AppendAttachment(ctx context.Context, att store.Attachment) (store.Attachment, error)
	GetAttachment(ctx context.Context, attachmentID string) (store.Attachment, error)
	GetMessage(ctx context.Context, messageID string) (store.Message, error)
}

type blobGateway interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PresignDownload(ctx context.Context, key, fileName string) (string, time.Time, error)
	PresignUpload(ctx context.Context, key string) (string, time.Time, error)
}

// FanoutChannel adapts the Redis broadcaster to the session controller's
// Broadcaster interface (the concrete Subscribe return type differs).
type FanoutChannel struct {
	*fanout.Broadcaster
}

func (c FanoutChannel) Subscribe(claimID string, handler func(store.Message)) (chat.Subscription, error) {
	return c.Broadcaster.Subscribe(claimID, handler)
}

// Service wires the façade together.
type Service struct {
	store       dataStore
	blobs       blobGateway
	channel     chat.Broadcaster
	resolver    chat.Resolver
	search      *search.Service
	exporter    *export.Service
	metrics     *Metrics
	tokenSecret []byte
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*liveSession
	done     chan struct{}
}

const (
	sessionEventBuffer = 128
	sessionIdleLimit   = 30 * time.Minute
)

func NewService(dataStore dataStore, blobs blobGateway, channel chat.Broadcaster, resolver chat.Resolver, searchSvc *search.Service, exporter *export.Service, tokenSecret string, metrics *Metrics) *Service {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &Service{
		store:       dataStore,
		blobs:       blobs,
		channel:     channel,
		resolver:    resolver,
		search:      searchSvc,
		exporter:    exporter,
		metrics:     metrics,
		tokenSecret: []byte(tokenSecret),
		now:         time.Now,
		sessions:    make(map[string]*liveSession),
		done:        make(chan struct{}),
	}
	go s.reapIdleSessions()
	return s
}

// Close shuts every live session down.
func (s *Service) Close() {
	close(s.done)
	s.mu.Lock()
	sessions := make([]*liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		sessions = append(sessions, ls)
	}
	s.sessions = make(map[string]*liveSession)
	s.mu.Unlock()
	for _, ls := range sessions {
		ls.shutdown()
		s.metrics.OpenSessions.Dec()
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type fanoutPinger interface {
	Ping(ctx context.Context) error
}

// PingFanout reports pub/sub connectivity for the readiness probe. The Redis
// broadcaster exposes a health check; channels that don't are assumed healthy.
func (s *Service) PingFanout(ctx context.Context) error {
	p, ok := s.channel.(fanoutPinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// SessionFromToken verifies the bearer token minted by the identity
// collaborator and rejects unknown roles outright.
func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken(s.tokenSecret, token)
	if err != nil {
		return Session{}, err
	}
	role := rbac.Normalize(claims.Role)
	if role == "" {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{UserID: claims.Sub, UserName: claims.Name, Role: role}, nil
}

// requireParty enforces the only authorization rule of the conversation
// surface: workshop and insurer must be parties of the claim, administrators
// see everything.
func (s *Service) requireParty(ctx context.Context, viewer Session, claimID string) error {
	if viewer.Role == rbac.RoleAdministrator {
		return nil
	}
	ok, err := s.store.IsClaimParty(ctx, claimID, viewer.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Not a party to this claim", nil)
	}
	return nil
}

// liveSession is one registry entry: a chat session plus the event queue its
// SSE stream drains.
type liveSession struct {
	id      string
	claimID string
	userID  string
	chat    *chat.Session

	mu         sync.Mutex
	closed     bool
	events     chan ViewEvent
	lastActive time.Time
}

func (ls *liveSession) push(ev ViewEvent) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return
	}
	ls.lastActive = time.Now()
	select {
	case ls.events <- ev:
	default:
		log.Printf("app: session %s event queue full, dropping %s", ls.id, ev.Type)
	}
}

func (ls *liveSession) touch() {
	ls.mu.Lock()
	ls.lastActive = time.Now()
	ls.mu.Unlock()
}

func (ls *liveSession) idleSince() time.Time {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.lastActive
}

func (ls *liveSession) shutdown() {
	ls.chat.Close()
	ls.mu.Lock()
	if !ls.closed {
		ls.closed = true
		close(ls.events)
	}
	ls.mu.Unlock()
}

// OpenSessionResult is the payload returned when a conversation is opened.
type OpenSessionResult struct {
	SessionID string          `json:"sessionId"`
	ClaimID   string          `json:"claimId"`
	Retention retention.State `json:"retention"`
	View      []EntryPayload  `json:"view"`
}

// OpenChatSession loads the conversation and registers a live session for the
// viewer. Authorization failure is fatal: no session is created.
func (s *Service) OpenChatSession(ctx context.Context, viewer Session, claimID string) (OpenSessionResult, error) {
	claim, err := s.store.GetClaim(ctx, claimID)
	if errors.Is(err, store.ErrNotFound) {
		return OpenSessionResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Claim not found", nil)
	}
	if err != nil {
		return OpenSessionResult{}, err
	}
	if err := s.requireParty(ctx, viewer, claimID); err != nil {
		return OpenSessionResult{}, err
	}

	ls := &liveSession{
		id:         util.NewID("ses"),
		claimID:    claimID,
		userID:     viewer.UserID,
		events:     make(chan ViewEvent, sessionEventBuffer),
		lastActive: s.now(),
	}

	chatSession, err := chat.Open(ctx, chat.Deps{
		Repo:      s.store,
		Broadcast: s.channel,
		Uploads:   gatewayUploader{blobs: s.blobs},
		Identity:  s.resolver,
		Now:       s.now,
	}, chat.Params{
		ClaimID:     claimID,
		UserID:      viewer.UserID,
		UserName:    viewer.UserName,
		Role:        viewer.Role,
		CompletedAt: claim.CompletedAt,
		OnEvent:     func(ev chat.Event) { s.observe(ls, ev) },
	})
	if err != nil {
		return OpenSessionResult{}, err
	}
	ls.chat = chatSession

	s.mu.Lock()
	s.sessions[ls.id] = ls
	s.mu.Unlock()
	s.metrics.OpenSessions.Inc()

	return OpenSessionResult{
		SessionID: ls.id,
		ClaimID:   claimID,
		Retention: chatSession.State(),
		View:      entriesPayload(chatSession.View()),
	}, nil
}

// observe translates controller events into the SSE payload, feeds metrics
// and keeps the search index current.
func (s *Service) observe(ls *liveSession, ev chat.Event) {
	switch ev.Type {
	case chat.EventReconciled:
		s.metrics.MessagesSent.Inc()
		if ev.Entry != nil {
			s.indexMessage(ev.Entry.Message)
		}
	case chat.EventSendFailed:
		s.metrics.SendFailures.Inc()
	case chat.EventAppended:
		if ev.Entry != nil && !ev.Entry.Pending {
			s.metrics.FanoutDeliveries.Inc()
		}
	}
	ls.push(viewEventPayload(ev))
}

func (s *Service) indexMessage(msg store.Message) {
	if s.search == nil {
		return
	}
	s.search.IndexMessage(search.MessageRecord{
		ID:         msg.ID,
		ClaimID:    msg.ClaimID,
		SenderRole: msg.SenderRole,
		SenderName: msg.SenderDisplayName,
		Body:       msg.Body,
		SentAt:     msg.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Service) lookupSession(viewer Session, sessionID string) (*liveSession, error) {
	s.mu.Lock()
	ls, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Chat session not found", nil)
	}
	if ls.userID != viewer.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Chat session belongs to another user", nil)
	}
	return ls, nil
}

// SendResult acknowledges an optimistic send; the outcome arrives on the
// session's event stream.
type SendResult struct {
	TempID string `json:"tempId"`
}

func (s *Service) SendChatMessage(viewer Session, sessionID, text string, files []chat.OutgoingFile) (SendResult, error) {
	if !rbac.Can(viewer.Role, rbac.ActionSend) {
		return SendResult{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	ls, err := s.lookupSession(viewer, sessionID)
	if err != nil {
		return SendResult{}, err
	}
	ls.touch()

	tempID, err := ls.chat.Send(text, files)
	switch {
	case errors.Is(err, chat.ErrConversationLocked):
		return SendResult{}, domainError(http.StatusConflict, "CONVERSATION_LOCKED", "Conversation is read-only after the retention window", nil)
	case errors.Is(err, chat.ErrEmptyMessage):
		return SendResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Message needs text or at least one file", nil)
	case errors.Is(err, chat.ErrSessionClosed):
		return SendResult{}, domainError(http.StatusGone, "SESSION_CLOSED", "Chat session is closed", nil)
	case err != nil:
		return SendResult{}, err
	}
	return SendResult{TempID: tempID}, nil
}

// SessionEvents hands the SSE handler the session's event queue.
func (s *Service) SessionEvents(viewer Session, sessionID string) (<-chan ViewEvent, error) {
	ls, err := s.lookupSession(viewer, sessionID)
	if err != nil {
		return nil, err
	}
	ls.touch()
	return ls.events, nil
}

// SessionState re-evaluates the retention state of one live session.
func (s *Service) SessionState(viewer Session, sessionID string) (retention.State, error) {
	ls, err := s.lookupSession(viewer, sessionID)
	if err != nil {
		return retention.State{}, err
	}
	return ls.chat.State(), nil
}

func (s *Service) CloseChatSession(viewer Session, sessionID string) error {
	ls, err := s.lookupSession(viewer, sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	ls.shutdown()
	s.metrics.OpenSessions.Dec()
	return nil
}

// HistoryResult is the idempotent conversation load.
type HistoryResult struct {
	ClaimID   string          `json:"claimId"`
	Retention retention.State `json:"retention"`
	Messages  []EntryPayload  `json:"messages"`
}

func (s *Service) History(ctx context.Context, viewer Session, claimID string) (HistoryResult, error) {
	claim, err := s.store.GetClaim(ctx, claimID)
	if errors.Is(err, store.ErrNotFound) {
		return HistoryResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Claim not found", nil)
	}
	if err != nil {
		return HistoryResult{}, err
	}
	if err := s.requireParty(ctx, viewer, claimID); err != nil {
		return HistoryResult{}, err
	}

	messages, err := s.store.ListMessagesByClaim(ctx, claimID)
	if err != nil {
		return HistoryResult{}, err
	}
	payload := make([]EntryPayload, 0, len(messages))
	for _, msg := range messages {
		payload = append(payload, messagePayload(msg, false, ""))
	}
	return HistoryResult{
		ClaimID:   claimID,
		Retention: retention.Evaluate(claim.CompletedAt, s.now()),
		Messages:  payload,
	}, nil
}

// SignedURLResult carries a freshly minted, short-lived URL.
type SignedURLResult struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
	Key       string    `json:"key,omitempty"`
}

// AttachmentURL mints a fresh download URL. A new URL is issued per request;
// expired ones are never refreshed server-side.
func (s *Service) AttachmentURL(ctx context.Context, viewer Session, attachmentID string) (SignedURLResult, error) {
	att, err := s.store.GetAttachment(ctx, attachmentID)
	if errors.Is(err, store.ErrNotFound) {
		return SignedURLResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Attachment not found", nil)
	}
	if err != nil {
		return SignedURLResult{}, err
	}
	msg, err := s.store.GetMessage(ctx, att.MessageID)
	if err != nil {
		return SignedURLResult{}, err
	}
	if err := s.requireParty(ctx, viewer, msg.ClaimID); err != nil {
		return SignedURLResult{}, err
	}

	url, expiresAt, err := s.blobs.PresignDownload(ctx, att.FilePath, att.FileName)
	if err != nil {
		return SignedURLResult{}, err
	}
	return SignedURLResult{URL: url, ExpiresAt: expiresAt}, nil
}

// PresignUpload mints a direct-upload URL for a file of an already durable
// message of the claim.
func (s *Service) PresignUpload(ctx context.Context, viewer Session, claimID, messageID, fileName string) (SignedURLResult, error) {
	if fileName == "" {
		return SignedURLResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "fileName is required", nil)
	}
	if err := s.requireParty(ctx, viewer, claimID); err != nil {
		return SignedURLResult{}, err
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return SignedURLResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Message not found", nil)
	}
	if err != nil {
		return SignedURLResult{}, err
	}
	if msg.ClaimID != claimID {
		return SignedURLResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Message does not belong to this claim", nil)
	}

	key := blobstore.ObjectKey(claimID, messageID, fileName)
	url, expiresAt, err := s.blobs.PresignUpload(ctx, key)
	if err != nil {
		return SignedURLResult{}, err
	}
	return SignedURLResult{URL: url, ExpiresAt: expiresAt, Key: key}, nil
}

// SearchMessages runs a claim-scoped full-text search.
func (s *Service) SearchMessages(ctx context.Context, viewer Session, q search.Query) (search.Response, error) {
	if q.ClaimID == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "claimId is required", nil)
	}
	if err := s.requireParty(ctx, viewer, q.ClaimID); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q), nil
}

// ExportTranscript renders the claim's conversation for download.
func (s *Service) ExportTranscript(ctx context.Context, viewer Session, claimID string, format export.Format) (*export.Result, error) {
	if !rbac.Can(viewer.Role, rbac.ActionExport) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err := s.requireParty(ctx, viewer, claimID); err != nil {
		return nil, err
	}
	result, err := s.exporter.ExportTranscript(ctx, export.Request{ClaimID: claimID, Format: format})
	if errors.Is(err, store.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Claim not found", nil)
	}
	return result, err
}

// reapIdleSessions closes sessions nobody touched for a while, so abandoned
// browser tabs do not pin Redis subscriptions forever.
func (s *Service) reapIdleSessions() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			cutoff := s.now().Add(-sessionIdleLimit)
			var stale []*liveSession
			s.mu.Lock()
			for id, ls := range s.sessions {
				if ls.idleSince().Before(cutoff) {
					delete(s.sessions, id)
					stale = append(stale, ls)
				}
			}
			s.mu.Unlock()
			for _, ls := range stale {
				log.Printf("app: reaping idle session %s (claim %s)", ls.id, ls.claimID)
				ls.shutdown()
				s.metrics.OpenSessions.Dec()
			}
		}
	}
}

// gatewayUploader binds the object-store gateway into the session
// controller's upload step.
type gatewayUploader struct {
	blobs blobGateway
}

func (u gatewayUploader) Upload(ctx context.Context, claimID, messageID string, file chat.OutgoingFile) (string, error) {
	key := blobstore.ObjectKey(claimID, messageID, file.Name)
	if err := u.blobs.Upload(ctx, key, file.Content, file.Size, file.Type); err != nil {
		return "", err
	}
	return key, nil
}
