// Package chat owns the per-viewer conversation session: it loads history,
// subscribes to the claim's fan-out channel, runs the optimistic-send
// protocol and enforces the retention state machine. One Session instance
// exists per open claim per connected participant and its view is mutated
// only through the session's own entry points.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"claimline/api/internal/identity"
	"claimline/api/internal/rbac"
	"claimline/api/internal/retention"
	"claimline/api/internal/store"
	"claimline/api/internal/util"
)

var (
	ErrConversationLocked = errors.New("conversation is read-only")
	ErrEmptyMessage       = errors.New("message needs text or at least one file")
	ErrSessionClosed      = errors.New("session closed")
)

// Repository is the thin client over the durable message store.
type Repository interface {
	AppendMessage(ctx context.Context, msg store.Message) (store.Message, error)
	ListMessagesByClaim(ctx context.Context, claimID string) ([]store.Message, error)
	AppendAttachment(ctx context.Context, att store.Attachment) (store.Attachment, error)
}

// Subscription is a live delivery registration. It must be closed on every
// exit path; Lost reports that delivery silently stopped.
type Subscription interface {
	Lost() <-chan struct{}
	Close() error
}

// Broadcaster is the claim-scoped fan-out channel.
type Broadcaster interface {
	Publish(ctx context.Context, msg store.Message) error
	Subscribe(claimID string, handler func(store.Message)) (Subscription, error)
}

// Uploader stores one outgoing file's bytes and returns the storage key.
type Uploader interface {
	Upload(ctx context.Context, claimID, messageID string, file OutgoingFile) (string, error)
}

// Resolver yields the sender snapshot frozen into a message at send time.
type Resolver interface {
	Resolve(ctx context.Context, userID string, role rbac.Role) (identity.Snapshot, error)
}

// OutgoingFile is one file handed to Send.
type OutgoingFile struct {
	Name    string
	Type    string
	Size    int64
	Content io.Reader
}

// Entry is one row of the conversation view. While Pending, the message
// carries a temporary id and the sender's best-known identity; reconciliation
// replaces it in place with the authoritative message.
type Entry struct {
	Message store.Message `json:"message"`
	Pending bool          `json:"pending"`
	TempID  string        `json:"tempId,omitempty"`
}

type EventType string

const (
	// EventAppended: a new entry was added at the end of the view.
	EventAppended EventType = "appended"
	// EventReconciled: a pending entry was replaced in place by the
	// authoritative message; TempID names the retired temporary id.
	EventReconciled EventType = "reconciled"
	// EventUpdated: an existing entry gained attachment metadata.
	EventUpdated EventType = "updated"
	// EventSendFailed: a send was rolled back; its pending entry is gone.
	EventSendFailed EventType = "send_failed"
	// EventResynced: the view was reloaded after a lost subscription; View
	// carries the full merged conversation.
	EventResynced EventType = "resynced"
)

type Event struct {
	Type   EventType `json:"type"`
	Entry  *Entry    `json:"entry,omitempty"`
	TempID string    `json:"tempId,omitempty"`
	Error  string    `json:"error,omitempty"`
	View   []Entry   `json:"view,omitempty"`
}

type Deps struct {
	Repo      Repository
	Broadcast Broadcaster
	Uploads   Uploader
	Identity  Resolver
	// Now defaults to time.Now; tests pin it.
	Now func() time.Time
}

type Params struct {
	ClaimID string
	UserID  string
	// UserName is the caller's best-known display name, shown on a pending
	// entry until the identity snapshot is resolved.
	UserName    string
	Role        rbac.Role
	CompletedAt *time.Time
	// OnEvent observes every view change. It runs on session goroutines and
	// must not block or call back into the session.
	OnEvent func(Event)
}

type Session struct {
	deps        Deps
	claimID     string
	userID      string
	userName    string
	role        rbac.Role
	completedAt *time.Time
	now         func() time.Time
	onEvent     func(Event)

	mu       sync.Mutex
	view     []Entry
	inflight []string // temp ids of sends awaiting reconciliation, oldest first
	sub      Subscription
	closed   bool
	stop     chan struct{}
}

// Open loads the claim's history, subscribes to its fan-out channel and
// returns the live session. On any error nothing stays subscribed.
func Open(ctx context.Context, deps Deps, p Params) (*Session, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Session{
		deps:        deps,
		claimID:     p.ClaimID,
		userID:      p.UserID,
		userName:    p.UserName,
		role:        p.Role,
		completedAt: p.CompletedAt,
		now:         deps.Now,
		onEvent:     p.OnEvent,
		stop:        make(chan struct{}),
	}

	history, err := deps.Repo.ListMessagesByClaim(ctx, p.ClaimID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	for _, msg := range history {
		s.view = append(s.view, Entry{Message: msg})
	}

	sub, err := deps.Broadcast.Subscribe(p.ClaimID, s.handleFanout)
	if err != nil {
		return nil, fmt.Errorf("subscribe claim %s: %w", p.ClaimID, err)
	}
	s.sub = sub
	go s.watchSubscription()
	return s, nil
}

// State evaluates the conversation's retention state at the current time.
func (s *Session) State() retention.State {
	return retention.Evaluate(s.completedAt, s.now())
}

// View returns a snapshot of the conversation in display order.
func (s *Session) View() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.view))
	copy(out, s.view)
	return out
}

// Send runs the optimistic-send protocol. It appends a pending entry and
// returns its temporary id immediately; persistence, reconciliation and
// attachment uploads continue asynchronously and surface through OnEvent.
// The eventual outcome is either EventReconciled or EventSendFailed.
func (s *Session) Send(text string, files []OutgoingFile) (string, error) {
	if !s.State().ComposerEnabled {
		return "", ErrConversationLocked
	}
	if strings.TrimSpace(text) == "" && len(files) == 0 {
		return "", ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	tempID := util.NewID("tmp")
	entry := Entry{
		Pending: true,
		TempID:  tempID,
		Message: store.Message{
			ID:                tempID,
			ClaimID:           s.claimID,
			SenderID:          s.userID,
			SenderRole:        string(s.role),
			SenderDisplayName: s.userName,
			Body:              text,
			CreatedAt:         s.now(),
		},
	}
	s.view = append(s.view, entry)
	s.inflight = append(s.inflight, tempID)
	s.emitLocked(Event{Type: EventAppended, Entry: &entry})
	s.mu.Unlock()

	go s.persist(tempID, text, files)
	return tempID, nil
}

// persist is the asynchronous tail of one send: resolve the sender snapshot
// exactly once, append durably, reconcile, publish, then upload attachments.
func (s *Session) persist(tempID, text string, files []OutgoingFile) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	snap, err := s.deps.Identity.Resolve(ctx, s.userID, s.role)
	if err != nil {
		s.failSend(tempID, fmt.Errorf("resolve sender identity: %w", err))
		return
	}

	saved, err := s.deps.Repo.AppendMessage(ctx, store.Message{
		ClaimID:           s.claimID,
		SenderID:          s.userID,
		SenderRole:        string(s.role),
		SenderDisplayName: snap.DisplayName,
		SenderAddress:     snap.Address,
		Body:              text,
	})
	if err != nil {
		s.failSend(tempID, err)
		return
	}

	s.reconcile(tempID, saved)

	if err := s.deps.Broadcast.Publish(ctx, saved); err != nil {
		// Not fatal: the message is durable and other viewers recover it on
		// their next history load.
		log.Printf("chat: publish %s: %v", saved.ID, err)
	}

	// The message is durable at this point; each file succeeds or fails on
	// its own and a failure never affects the message or the other files.
	var stored []store.Attachment
	for _, file := range files {
		key, err := s.deps.Uploads.Upload(ctx, s.claimID, saved.ID, file)
		if err != nil {
			log.Printf("chat: upload %q for %s: %v", file.Name, saved.ID, err)
			continue
		}
		att, err := s.deps.Repo.AppendAttachment(ctx, store.Attachment{
			MessageID: saved.ID,
			FilePath:  key,
			FileName:  file.Name,
			FileType:  file.Type,
			FileSize:  file.Size,
		})
		if err != nil {
			log.Printf("chat: record attachment %q for %s: %v", file.Name, saved.ID, err)
			continue
		}
		stored = append(stored, att)
	}
	if len(stored) > 0 {
		s.attachToMessage(saved.ID, stored)
	}
}

func (s *Session) failSend(tempID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexOfTemp(tempID); idx >= 0 {
		s.view = append(s.view[:idx], s.view[idx+1:]...)
	}
	s.dropInflight(tempID)
	s.emitLocked(Event{Type: EventSendFailed, TempID: tempID, Error: err.Error()})
}

// reconcile replaces the pending entry with the authoritative message, in the
// same position. When a fan-out echo already retired the temp id, this is a
// no-op: the view must never grow a second entry for the same message.
func (s *Session) reconcile(tempID string, saved store.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfTemp(tempID)
	if idx < 0 {
		if s.indexOfID(saved.ID) < 0 {
			entry := Entry{Message: saved}
			s.view = append(s.view, entry)
			s.emitLocked(Event{Type: EventAppended, Entry: &entry})
		}
		return
	}

	s.view[idx] = Entry{Message: saved}
	s.dropInflight(tempID)
	entry := s.view[idx]
	s.emitLocked(Event{Type: EventReconciled, Entry: &entry, TempID: tempID})
}

func (s *Session) attachToMessage(messageID string, atts []store.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOfID(messageID)
	if idx < 0 {
		return
	}
	s.view[idx].Message.Attachments = append(s.view[idx].Message.Attachments, atts...)
	entry := s.view[idx]
	s.emitLocked(Event{Type: EventUpdated, Entry: &entry})
}

// handleFanout runs once per message delivered on the claim's channel,
// including echoes of this session's own sends.
func (s *Session) handleFanout(msg store.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ingestLocked(msg, true)
}

// ingestLocked merges one authoritative message into the view. Duplicates
// (an own echo after reconciliation, or a redelivery) are discarded; an own
// echo arriving before the append response adopts the oldest matching
// in-flight pending entry in place.
func (s *Session) ingestLocked(msg store.Message, announce bool) {
	if s.indexOfID(msg.ID) >= 0 {
		return
	}

	if msg.SenderID == s.userID {
		for _, tempID := range s.inflight {
			idx := s.indexOfTemp(tempID)
			if idx >= 0 && s.view[idx].Message.Body == msg.Body {
				s.view[idx] = Entry{Message: msg}
				s.dropInflight(tempID)
				if announce {
					entry := s.view[idx]
					s.emitLocked(Event{Type: EventReconciled, Entry: &entry, TempID: tempID})
				}
				return
			}
		}
		// No pending counterpart: the same participant wrote from another
		// session, treat it like any other arrival.
	}

	entry := Entry{Message: msg}
	s.view = append(s.view, entry)
	if announce {
		s.emitLocked(Event{Type: EventAppended, Entry: &entry})
	}
}

// watchSubscription resyncs whenever live delivery is lost, until the
// session closes.
func (s *Session) watchSubscription() {
	for {
		s.mu.Lock()
		sub := s.sub
		s.mu.Unlock()
		if sub == nil {
			return
		}

		select {
		case <-s.stop:
			return
		case <-sub.Lost():
		}

		if !s.resync() {
			return
		}
	}
}

// resync closes the gap after a lost subscription: resubscribe first, then
// reload history and merge it quietly, so messages sent by others while
// disconnected appear without a manual reload. Returns false once the
// session is closed.
func (s *Session) resync() bool {
	for {
		select {
		case <-s.stop:
			return false
		default:
		}

		sub, err := s.deps.Broadcast.Subscribe(s.claimID, s.handleFanout)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			history, herr := s.deps.Repo.ListMessagesByClaim(ctx, s.claimID)
			cancel()
			if herr == nil {
				s.mu.Lock()
				if s.closed {
					s.mu.Unlock()
					_ = sub.Close()
					return false
				}
				s.sub = sub
				for _, msg := range history {
					s.ingestLocked(msg, false)
				}
				view := make([]Entry, len(s.view))
				copy(view, s.view)
				s.emitLocked(Event{Type: EventResynced, View: view})
				s.mu.Unlock()
				return true
			}
			_ = sub.Close()
			log.Printf("chat: resync history for %s: %v", s.claimID, herr)
		} else {
			log.Printf("chat: resubscribe %s: %v", s.claimID, err)
		}

		select {
		case <-time.After(3 * time.Second):
		case <-s.stop:
			return false
		}
	}
}

// Close releases the fan-out registration. It is safe to call from any exit
// path and more than once; an in-flight send keeps running to completion but
// its outcome is no longer observed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	close(s.stop)
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
}

func (s *Session) emitLocked(ev Event) {
	if s.onEvent != nil && !s.closed {
		s.onEvent(ev)
	}
}

func (s *Session) indexOfID(id string) int {
	for i := range s.view {
		if !s.view[i].Pending && s.view[i].Message.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) indexOfTemp(tempID string) int {
	for i := range s.view {
		if s.view[i].Pending && s.view[i].TempID == tempID {
			return i
		}
	}
	return -1
}

func (s *Session) dropInflight(tempID string) {
	for i, id := range s.inflight {
		if id == tempID {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			return
		}
	}
}
