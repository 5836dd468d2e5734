package export

import (
	"context"
	"fmt"
	"time"

	"claimline/api/internal/store"
)

// DataStore defines the slice of the message store transcripts read from.
type DataStore interface {
	GetClaim(ctx context.Context, id string) (store.Claim, error)
	ListMessagesByClaim(ctx context.Context, claimID string) ([]store.Message, error)
}

// Service renders claim conversation transcripts.
type Service struct {
	store DataStore
	now   func() time.Time
}

// NewService creates an export service.
func NewService(dataStore DataStore) *Service {
	return &Service{store: dataStore, now: time.Now}
}

// ExportTranscript renders the full conversation of one claim in message
// order. The caller has already verified the viewer is a party to the claim.
func (s *Service) ExportTranscript(ctx context.Context, req Request) (*Result, error) {
	claim, err := s.store.GetClaim(ctx, req.ClaimID)
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}

	messages, err := s.store.ListMessagesByClaim(ctx, req.ClaimID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	data := TemplateData{
		ClaimNumber: claim.ClaimNumber,
		GeneratedAt: s.now(),
		Messages:    make([]TemplateMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		tm := TemplateMessage{
			SenderName:    msg.SenderDisplayName,
			SenderRole:    msg.SenderRole,
			SenderAddress: msg.SenderAddress,
			Body:          msg.Body,
			SentAt:        msg.CreatedAt,
		}
		for _, att := range msg.Attachments {
			tm.Attachments = append(tm.Attachments, att.FileName)
		}
		data.Messages = append(data.Messages, tm)
	}

	html, err := RenderTranscriptHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	baseName := "Schadenakte-" + claim.ClaimNumber
	switch req.Format {
	case FormatPDF:
		return renderPDF(html, baseName)
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(baseName) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
