package search

// Result is a single message hit returned to the caller.
type Result struct {
	MessageID  string `json:"messageId"`
	ClaimID    string `json:"claimId"`
	SenderName string `json:"senderName"`
	SenderRole string `json:"senderRole"`
	Snippet    string `json:"snippet"`
	SentAt     string `json:"sentAt"`
}

// Query describes a conversation search. ClaimID is mandatory: callers are
// only ever allowed to search conversations they are a party to, and the
// authorization check happens before the query reaches this package.
type Query struct {
	Text       string
	ClaimID    string
	SenderRole string // empty = any sender
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over conversation messages.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a message. Only the denormalized
// sender snapshot is indexed, never live profile data.
type MessageRecord struct {
	ID         string `json:"id"`
	ClaimID    string `json:"claimId"`
	SenderRole string `json:"senderRole"`
	SenderName string `json:"senderName"`
	Body       string `json:"body"`
	SentAt     string `json:"sentAt"`
}
