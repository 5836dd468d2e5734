package store

import "time"

// Claim is the insurance/repair case record that owns one conversation.
// Its workflow lives in the claim-management service; this service only
// consumes the fields that scope messaging and drive retention.
type Claim struct {
	ID          string
	ClaimNumber string
	Status      string
	CompletedAt *time.Time
	CreatedAt   time.Time
}

type User struct {
	ID          string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

// WorkshopLocation is a repair shop's registered site. The primary location
// supplies the sender snapshot for workshop participants.
type WorkshopLocation struct {
	ID        string
	UserID    string
	Name      string
	Address   string
	IsPrimary bool
}

type InsurerProfile struct {
	UserID      string
	CompanyName string
	Address     string
}

// Message is one entry of a claim conversation. Sender fields are a
// denormalized snapshot captured at send time; later profile edits never
// change historic messages.
type Message struct {
	ID                string
	ClaimID           string
	SenderID          string
	SenderRole        string
	SenderDisplayName string
	SenderAddress     string
	Body              string
	Seq               int64
	CreatedAt         time.Time
	Attachments       []Attachment
}

// Attachment is file metadata belonging to exactly one durably persisted
// message. FilePath is the object-storage key, not a retrievable URL.
type Attachment struct {
	ID        string
	MessageID string
	FilePath  string
	FileName  string
	FileType  string
	FileSize  int64
	CreatedAt time.Time
}
