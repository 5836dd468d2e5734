package app

import (
	"time"

	"claimline/api/internal/chat"
	"claimline/api/internal/store"
)

// EntryPayload is the JSON form of one conversation view entry.
type EntryPayload struct {
	ID                string              `json:"id"`
	Pending           bool                `json:"pending"`
	TempID            string              `json:"tempId,omitempty"`
	ClaimID           string              `json:"claimId"`
	SenderID          string              `json:"senderId"`
	SenderRole        string              `json:"senderRole"`
	SenderDisplayName string              `json:"senderDisplayName"`
	SenderAddress     string              `json:"senderAddress,omitempty"`
	Body              string              `json:"body"`
	Seq               int64               `json:"seq"`
	CreatedAt         time.Time           `json:"createdAt"`
	Attachments       []AttachmentPayload `json:"attachments,omitempty"`
}

type AttachmentPayload struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
}

// ViewEvent is one SSE event of a session's stream.
type ViewEvent struct {
	Type   chat.EventType `json:"type"`
	TempID string         `json:"tempId,omitempty"`
	Error  string         `json:"error,omitempty"`
	Entry  *EntryPayload  `json:"entry,omitempty"`
	View   []EntryPayload `json:"view,omitempty"`
}

func messagePayload(msg store.Message, pending bool, tempID string) EntryPayload {
	p := EntryPayload{
		ID:                msg.ID,
		Pending:           pending,
		TempID:            tempID,
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
		p.Attachments = append(p.Attachments, AttachmentPayload{
			ID:       att.ID,
			FileName: att.FileName,
			FileType: att.FileType,
			FileSize: att.FileSize,
		})
	}
	return p
}

func entryPayload(entry chat.Entry) EntryPayload {
	return messagePayload(entry.Message, entry.Pending, entry.TempID)
}

func entriesPayload(entries []chat.Entry) []EntryPayload {
	out := make([]EntryPayload, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entryPayload(entry))
	}
	return out
}

func viewEventPayload(ev chat.Event) ViewEvent {
	payload := ViewEvent{
		Type:   ev.Type,
		TempID: ev.TempID,
		Error:  ev.Error,
	}
	if ev.Entry != nil {
		entry := entryPayload(*ev.Entry)
		payload.Entry = &entry
	}
	if ev.View != nil {
		payload.View = entriesPayload(ev.View)
	}
	return payload
}
