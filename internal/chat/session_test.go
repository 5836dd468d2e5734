package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"claimline/api/internal/identity"
	"claimline/api/internal/rbac"
	"claimline/api/internal/store"
)

type fakeRepo struct {
	mu                 sync.Mutex
	seq                int
	messages           []store.Message
	listFn             func(ctx context.Context, claimID string) ([]store.Message, error)
	appendMessageFn    func(ctx context.Context, msg store.Message) (store.Message, error)
	appendAttachmentFn func(ctx context.Context, att store.Attachment) (store.Attachment, error)
}

func (r *fakeRepo) AppendMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if r.appendMessageFn != nil {
		return r.appendMessageFn(ctx, msg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	msg.ID = fmt.Sprintf("msg_%d", r.seq)
	msg.Seq = int64(r.seq)
	msg.CreatedAt = time.Now()
	r.messages = append(r.messages, msg)
	return msg, nil
}

func (r *fakeRepo) ListMessagesByClaim(ctx context.Context, claimID string) ([]store.Message, error) {
	if r.listFn != nil {
		return r.listFn(ctx, claimID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.Message, len(r.messages))
	copy(out, r.messages)
	return out, nil
}

func (r *fakeRepo) AppendAttachment(ctx context.Context, att store.Attachment) (store.Attachment, error) {
	if r.appendAttachmentFn != nil {
		return r.appendAttachmentFn(ctx, att)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	att.ID = fmt.Sprintf("att_%d", r.seq)
	att.CreatedAt = time.Now()
	return att, nil
}

func (r *fakeRepo) addMessage(msg store.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

type fakeSub struct {
	lost   chan struct{}
	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Lost() <-chan struct{} { return s.lost }

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeBroadcaster struct {
	mu           sync.Mutex
	handlers     []func(store.Message)
	subs         []*fakeSub
	published    []store.Message
	echo         bool
	subscribeErr error
}

func (b *fakeBroadcaster) Subscribe(claimID string, handler func(store.Message)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	b.handlers = append(b.handlers, handler)
	sub := &fakeSub{lost: make(chan struct{})}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *fakeBroadcaster) Publish(ctx context.Context, msg store.Message) error {
	b.mu.Lock()
	b.published = append(b.published, msg)
	echo := b.echo
	handlers := append([]func(store.Message){}, b.handlers...)
	b.mu.Unlock()
	if echo {
		for _, h := range handlers {
			h(msg)
		}
	}
	return nil
}

// deliver simulates a message arriving on the claim's channel.
func (b *fakeBroadcaster) deliver(msg store.Message) {
	b.mu.Lock()
	handlers := append([]func(store.Message){}, b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (b *fakeBroadcaster) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

type fakeUploader struct {
	mu     sync.Mutex
	keys   []string
	failOn map[string]bool
}

func (u *fakeUploader) Upload(_ context.Context, claimID, messageID string, file OutgoingFile) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failOn[file.Name] {
		return "", errors.New("object store unavailable")
	}
	key := "claims/" + claimID + "/" + messageID + "/" + file.Name
	u.keys = append(u.keys, key)
	return key, nil
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, userID string, role rbac.Role) (identity.Snapshot, error)
}

func (r *fakeResolver) Resolve(ctx context.Context, userID string, role rbac.Role) (identity.Snapshot, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ctx, userID, role)
	}
	return identity.Snapshot{DisplayName: "Werkstatt Nord", Address: "Hafenstr. 1, Hamburg"}, nil
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fixture struct {
	repo      *fakeRepo
	broadcast *fakeBroadcaster
	uploads   *fakeUploader
	resolver  *fakeResolver
	events    chan Event
	session   *Session
}

func openFixture(t *testing.T, prepare func(*fixture), mutateParams func(*Params)) *fixture {
	t.Helper()
	f := &fixture{
		repo:      &fakeRepo{},
		broadcast: &fakeBroadcaster{},
		uploads:   &fakeUploader{},
		resolver:  &fakeResolver{},
		events:    make(chan Event, 64),
	}
	if prepare != nil {
		prepare(f)
	}
	params := Params{
		ClaimID:  "clm_1",
		UserID:   "usr_w",
		UserName: "Werkstatt Nord",
		Role:     rbac.RoleWorkshop,
		OnEvent:  func(ev Event) { f.events <- ev },
	}
	if mutateParams != nil {
		mutateParams(&params)
	}
	session, err := Open(context.Background(), Deps{
		Repo:      f.repo,
		Broadcast: f.broadcast,
		Uploads:   f.uploads,
		Identity:  f.resolver,
	}, params)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(session.Close)
	f.session = session
	return f
}

func waitEvent(t *testing.T, events <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func viewIDs(view []Entry) []string {
	ids := make([]string, len(view))
	for i, e := range view {
		ids[i] = e.Message.ID
	}
	return ids
}

func TestOpenLoadsHistoryInOrder(t *testing.T) {
	f := openFixture(t, func(f *fixture) {
		f.repo.messages = []store.Message{
			{ID: "msg_1", ClaimID: "clm_1", Body: "Gutachten liegt vor"},
			{ID: "msg_2", ClaimID: "clm_1", Body: "Freigabe erteilt"},
		}
	}, nil)

	view := f.session.View()
	if len(view) != 2 || view[0].Message.ID != "msg_1" || view[1].Message.ID != "msg_2" {
		t.Errorf("view = %v", viewIDs(view))
	}
	for _, e := range view {
		if e.Pending {
			t.Error("history entries must not be pending")
		}
	}
}

func TestSendAppendsPendingAndReconcilesInPlace(t *testing.T) {
	f := openFixture(t, nil, nil)

	tempID, err := f.session.Send("Teil bestellt", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !strings.HasPrefix(tempID, "tmp") {
		t.Errorf("temp id %q lacks tmp prefix", tempID)
	}

	appended := waitEvent(t, f.events, EventAppended)
	if !appended.Entry.Pending || appended.Entry.TempID != tempID {
		t.Errorf("appended entry = %+v", appended.Entry)
	}
	if appended.Entry.Message.SenderDisplayName != "Werkstatt Nord" {
		t.Errorf("pending entry shows %q", appended.Entry.Message.SenderDisplayName)
	}

	reconciled := waitEvent(t, f.events, EventReconciled)
	if reconciled.TempID != tempID {
		t.Errorf("reconciled temp id = %q, want %q", reconciled.TempID, tempID)
	}
	if reconciled.Entry.Pending || reconciled.Entry.Message.ID == tempID {
		t.Errorf("reconciled entry = %+v", reconciled.Entry)
	}
	if reconciled.Entry.Message.SenderAddress != "Hafenstr. 1, Hamburg" {
		t.Errorf("snapshot not frozen into message: %+v", reconciled.Entry.Message)
	}

	view := f.session.View()
	if len(view) != 1 || view[0].Pending {
		t.Errorf("view = %+v", view)
	}
	if got := f.resolver.callCount(); got != 1 {
		t.Errorf("identity resolved %d times, want once per send", got)
	}
	if f.broadcast.publishedCount() != 1 {
		t.Error("reconciled message was not published to the claim channel")
	}
}

func TestSendAssignsUniqueTempIDs(t *testing.T) {
	f := openFixture(t, nil, nil)

	a, err := f.session.Send("erste", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	b, err := f.session.Send("zweite", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if a == b {
		t.Errorf("temp ids collide: %q", a)
	}
}

func TestSendRejectsWhenPurgeEligible(t *testing.T) {
	completed := time.Now().Add(-15 * 24 * time.Hour)
	f := openFixture(t, nil, func(p *Params) { p.CompletedAt = &completed })

	if _, err := f.session.Send("zu spät", nil); !errors.Is(err, ErrConversationLocked) {
		t.Fatalf("expected ErrConversationLocked, got %v", err)
	}
	if len(f.session.View()) != 0 {
		t.Error("rejected send must not touch the view")
	}
}

func TestSendAllowedDuringCountdown(t *testing.T) {
	completed := time.Now().Add(-13 * 24 * time.Hour)
	f := openFixture(t, nil, func(p *Params) { p.CompletedAt = &completed })

	if _, err := f.session.Send("Nachtrag zum Gutachten", nil); err != nil {
		t.Fatalf("countdown must keep the composer enabled, got %v", err)
	}
	waitEvent(t, f.events, EventReconciled)
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	f := openFixture(t, nil, nil)

	if _, err := f.session.Send("   ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	// A file with no text is a valid message.
	if _, err := f.session.Send("", []OutgoingFile{{Name: "foto.jpg", Type: "image/jpeg", Size: 3, Content: strings.NewReader("abc")}}); err != nil {
		t.Fatalf("file-only send failed: %v", err)
	}
}

func TestSendRollsBackPendingOnAppendFailure(t *testing.T) {
	f := openFixture(t, func(f *fixture) {
		f.repo.appendMessageFn = func(context.Context, store.Message) (store.Message, error) {
			return store.Message{}, errors.New("deadline exceeded")
		}
	}, nil)

	tempID, err := f.session.Send("geht verloren", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	failed := waitEvent(t, f.events, EventSendFailed)
	if failed.TempID != tempID || failed.Error == "" {
		t.Errorf("failure event = %+v", failed)
	}
	if len(f.session.View()) != 0 {
		t.Errorf("pending entry survived rollback: %v", viewIDs(f.session.View()))
	}
	if f.broadcast.publishedCount() != 0 {
		t.Error("failed send must not be published")
	}
}

func TestOwnEchoAfterReconcileIsDiscarded(t *testing.T) {
	f := openFixture(t, func(f *fixture) {
		f.broadcast.echo = true
	}, nil)

	if _, err := f.session.Send("Teil bestellt", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitEvent(t, f.events, EventReconciled)

	if got := len(f.session.View()); got != 1 {
		t.Fatalf("own echo doubled the message: view has %d entries", got)
	}
}

func TestEchoBeforeAckAdoptsOldestPending(t *testing.T) {
	gate := make(chan struct{})
	var appendMu sync.Mutex
	pending := []store.Message{}
	f := openFixture(t, func(f *fixture) {
		f.repo.appendMessageFn = func(_ context.Context, msg store.Message) (store.Message, error) {
			<-gate
			appendMu.Lock()
			defer appendMu.Unlock()
			saved := pending[0]
			pending = pending[1:]
			return saved, nil
		}
	}, nil)
	defer close(gate)

	// Two sends with the same text are both in flight when their echoes
	// arrive ahead of the append responses.
	tempA, err := f.session.Send("Teil bestellt", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	tempB, err := f.session.Send("Teil bestellt", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msg1 := store.Message{ID: "msg_1", ClaimID: "clm_1", SenderID: "usr_w", Body: "Teil bestellt"}
	msg2 := store.Message{ID: "msg_2", ClaimID: "clm_1", SenderID: "usr_w", Body: "Teil bestellt"}
	appendMu.Lock()
	pending = append(pending, msg1, msg2)
	appendMu.Unlock()

	f.broadcast.deliver(msg1)
	first := waitEvent(t, f.events, EventReconciled)
	if first.TempID != tempA {
		t.Errorf("echo adopted %q, want oldest pending %q", first.TempID, tempA)
	}

	f.broadcast.deliver(msg2)
	second := waitEvent(t, f.events, EventReconciled)
	if second.TempID != tempB {
		t.Errorf("second echo adopted %q, want %q", second.TempID, tempB)
	}

	if got := viewIDs(f.session.View()); len(got) != 2 || got[0] != "msg_1" || got[1] != "msg_2" {
		t.Errorf("view = %v", got)
	}
}

func TestReconcileKeepsPendingPosition(t *testing.T) {
	gate := make(chan struct{})
	f := openFixture(t, func(f *fixture) {
		f.repo.appendMessageFn = func(_ context.Context, msg store.Message) (store.Message, error) {
			<-gate
			msg.ID = "msg_mine"
			return msg, nil
		}
	}, nil)

	if _, err := f.session.Send("Zwischenstand?", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	// Another participant's message lands while the send is in flight.
	f.broadcast.deliver(store.Message{ID: "msg_other", ClaimID: "clm_1", SenderID: "usr_i", Body: "Bitte um Foto"})
	waitEvent(t, f.events, EventAppended)
	close(gate)
	waitEvent(t, f.events, EventReconciled)

	if got := viewIDs(f.session.View()); len(got) != 2 || got[0] != "msg_mine" || got[1] != "msg_other" {
		t.Errorf("reconciliation moved the entry: view = %v", got)
	}
}

func TestAttachmentFailureIsIsolatedPerFile(t *testing.T) {
	f := openFixture(t, func(f *fixture) {
		f.uploads.failOn = map[string]bool{"b.pdf": true}
	}, nil)

	files := []OutgoingFile{
		{Name: "a.jpg", Type: "image/jpeg", Size: 3, Content: strings.NewReader("aaa")},
		{Name: "b.pdf", Type: "application/pdf", Size: 3, Content: strings.NewReader("bbb")},
		{Name: "c.jpg", Type: "image/jpeg", Size: 3, Content: strings.NewReader("ccc")},
	}
	if _, err := f.session.Send("Fotos anbei", files); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitEvent(t, f.events, EventReconciled)
	updated := waitEvent(t, f.events, EventUpdated)

	atts := updated.Entry.Message.Attachments
	if len(atts) != 2 || atts[0].FileName != "a.jpg" || atts[1].FileName != "c.jpg" {
		t.Errorf("attachments = %+v", atts)
	}
	view := f.session.View()
	if len(view) != 1 {
		t.Fatalf("failed file must not remove the message, view = %v", viewIDs(view))
	}
	if len(f.uploads.keys) != 2 {
		t.Errorf("stored keys = %v", f.uploads.keys)
	}
}

func TestFanoutFromOtherParticipantAppends(t *testing.T) {
	f := openFixture(t, nil, nil)

	f.broadcast.deliver(store.Message{ID: "msg_9", ClaimID: "clm_1", SenderID: "usr_i", SenderDisplayName: "Norddeutsche Versicherung AG", Body: "Freigabe erteilt"})

	ev := waitEvent(t, f.events, EventAppended)
	if ev.Entry.Pending || ev.Entry.Message.ID != "msg_9" {
		t.Errorf("entry = %+v", ev.Entry)
	}
	// Redelivery of the same message changes nothing.
	f.broadcast.deliver(store.Message{ID: "msg_9", ClaimID: "clm_1", SenderID: "usr_i", Body: "Freigabe erteilt"})
	if got := len(f.session.View()); got != 1 {
		t.Errorf("redelivery duplicated the entry: %d", got)
	}
}

func TestLostSubscriptionResyncsMissedMessages(t *testing.T) {
	f := openFixture(t, func(f *fixture) {
		f.repo.messages = []store.Message{{ID: "msg_1", ClaimID: "clm_1", Body: "Gutachten liegt vor"}}
	}, nil)

	// A message lands while delivery is down, then the subscription reports loss.
	f.repo.addMessage(store.Message{ID: "msg_2", ClaimID: "clm_1", SenderID: "usr_i", Body: "Freigabe erteilt"})
	close(f.broadcast.subs[0].lost)

	resynced := waitEvent(t, f.events, EventResynced)
	if got := viewIDs(resynced.View); len(got) != 2 || got[1] != "msg_2" {
		t.Errorf("resynced view = %v", got)
	}

	// Live delivery works again on the replacement subscription.
	f.broadcast.deliver(store.Message{ID: "msg_3", ClaimID: "clm_1", SenderID: "usr_i", Body: "Danke"})
	waitEvent(t, f.events, EventAppended)
}

func TestCloseStopsDeliveryAndReleasesSubscription(t *testing.T) {
	f := openFixture(t, nil, nil)

	f.session.Close()
	if !f.broadcast.subs[0].isClosed() {
		t.Error("Close must release the fan-out subscription")
	}

	f.broadcast.deliver(store.Message{ID: "msg_late", ClaimID: "clm_1", SenderID: "usr_i", Body: "zu spät"})
	if len(f.session.View()) != 0 {
		t.Error("closed session must ignore deliveries")
	}
	if _, err := f.session.Send("noch da?", nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}
