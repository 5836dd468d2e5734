// Package fanout pushes newly inserted messages to every live viewer of a
// claim. Delivery runs over one Redis pub/sub channel per claim so multiple
// API nodes see the same stream; within a claim, events arrive in publish
// order. Delivery is at-least-once: a dropped connection is surfaced through
// the subscription's Lost channel and the session layer resyncs from the
// repository.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"claimline/api/internal/store"
)

const channelPrefix = "claimchat:"

// Envelope is the wire form of a fan-out event. It carries the full message
// including the denormalized sender snapshot, so receivers never need a
// secondary profile lookup.
type Envelope struct {
	ID                string             `json:"id"`
	ClaimID           string             `json:"claimId"`
	SenderID          string             `json:"senderId"`
	SenderRole        string             `json:"senderRole"`
	SenderDisplayName string             `json:"senderDisplayName"`
	SenderAddress     string             `json:"senderAddress"`
	Body              string             `json:"body"`
	Seq               int64              `json:"seq"`
	CreatedAt         time.Time          `json:"createdAt"`
	Attachments       []AttachmentRecord `json:"attachments,omitempty"`
}

type AttachmentRecord struct {
	ID       string `json:"id"`
	FilePath string `json:"filePath"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
}

// Broadcaster publishes and subscribes per-claim message events.
type Broadcaster struct {
	client *redis.Client
}

func New(redisURL string) (*Broadcaster, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Broadcaster{client: client}, nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client) *Broadcaster {
	return &Broadcaster{client: client}
}

func channelFor(claimID string) string {
	return channelPrefix + claimID
}

// Publish fans a durably persisted message out to every subscriber of its
// claim. Publishing after the insert keeps delivery at-least-once: a failure
// here loses no data, because the repository remains the source of truth.
func (b *Broadcaster) Publish(ctx context.Context, msg store.Message) error {
	env := envelopeFromMessage(msg)
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal fanout envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(msg.ClaimID), payload).Err(); err != nil {
		return fmt.Errorf("publish message %s: %w", msg.ID, err)
	}
	return nil
}

// Subscribe registers handler for every message subsequently inserted on the
// claim. The returned subscription must be closed on every exit path.
func (b *Broadcaster) Subscribe(claimID string, handler func(store.Message)) (*Subscription, error) {
	pubsub := b.client.Subscribe(context.Background(), channelFor(claimID))

	// Confirm the subscription is active before reporting success, so no
	// insert published after this call returns can be missed.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe claim %s: %w", claimID, err)
	}

	sub := &Subscription{
		claimID: claimID,
		pubsub:  pubsub,
		lost:    make(chan struct{}),
	}
	go sub.pump(handler)
	return sub, nil
}

func (b *Broadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broadcaster) Close() error {
	return b.client.Close()
}

// Subscription is the handle for one claim's delivery registration.
type Subscription struct {
	claimID string
	pubsub  *redis.PubSub

	mu     sync.Mutex
	closed bool
	lost   chan struct{}
}

// pump receives directly rather than through Channel(): the channel variant
// swallows connection errors and resubscribes internally, which misses every
// event published while the connection was down without telling anyone. A
// receive error means delivery has a gap, so the subscription reports itself
// lost and the session layer resyncs from the repository.
func (s *Subscription) pump(handler func(store.Message)) {
	ctx := context.Background()
	for {
		m, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			s.markLost(err)
			return
		}
		var env Envelope
		if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
			log.Printf("fanout: drop malformed event on %s: %v", m.Channel, err)
			continue
		}
		handler(env.ToMessage())
	}
}

func (s *Subscription) markLost(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.lost)
	log.Printf("fanout: delivery on %s lost: %v", channelFor(s.claimID), cause)
}

// Lost is closed when delivery stopped for any reason other than Close.
func (s *Subscription) Lost() <-chan struct{} {
	return s.lost
}

// Close stops delivery and releases the registration.
func (s *Subscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.pubsub.Close()
}

func envelopeFromMessage(msg store.Message) Envelope {
	env := Envelope{
		ID:                msg.ID,
		ClaimID:           msg.ClaimID,
		SenderID:          msg.SenderID,
		SenderRole:        msg.SenderRole,
		SenderDisplayName: msg.SenderDisplayName,
		SenderAddress:     msg.SenderAddress,
		Body:              msg.Body,
		Seq:               msg.Seq,
		CreatedAt:         msg.CreatedAt,
	}
	for _, att := range msg.Attachments {
		env.Attachments = append(env.Attachments, AttachmentRecord{
			ID:       att.ID,
			FilePath: att.FilePath,
			FileName: att.FileName,
			FileType: att.FileType,
			FileSize: att.FileSize,
		})
	}
	return env
}

// ToMessage converts the wire envelope back into the repository model.
func (e Envelope) ToMessage() store.Message {
	msg := store.Message{
		ID:                e.ID,
		ClaimID:           e.ClaimID,
		SenderID:          e.SenderID,
		SenderRole:        e.SenderRole,
		SenderDisplayName: e.SenderDisplayName,
		SenderAddress:     e.SenderAddress,
		Body:              e.Body,
		Seq:               e.Seq,
		CreatedAt:         e.CreatedAt,
	}
	for _, att := range e.Attachments {
		msg.Attachments = append(msg.Attachments, store.Attachment{
			ID:        att.ID,
			MessageID: e.ID,
			FilePath:  att.FilePath,
			FileName:  att.FileName,
			FileType:  att.FileType,
			FileSize:  att.FileSize,
		})
	}
	return msg
}
