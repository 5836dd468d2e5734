package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"claimline/api/internal/util"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping reports database connectivity, used by the readiness probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetClaim(ctx context.Context, claimID string) (Claim, error) {
	var claim Claim
	err := s.db.QueryRowContext(ctx, `
		SELECT id, claim_number, status, completed_at, created_at
		FROM claims WHERE id=$1
	`, claimID).Scan(&claim.ID, &claim.ClaimNumber, &claim.Status, &claim.CompletedAt, &claim.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Claim{}, ErrNotFound
	}
	if err != nil {
		return Claim{}, fmt.Errorf("get claim: %w", err)
	}
	return claim, nil
}

// IsClaimParty reports whether the user is registered as a party to the claim.
// Administrators are not parties; callers grant them access separately.
func (s *PostgresStore) IsClaimParty(ctx context.Context, claimID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM claim_parties WHERE claim_id=$1 AND user_id=$2)
	`, claimID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check claim party: %w", err)
	}
	return exists, nil
}

// AppendMessage durably stores a message and returns it with the
// server-assigned id, sequence number and timestamp. Concurrent appends on the
// same claim are safe; their relative order is the assigned created_at with
// ties broken by seq (insertion order).
func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	msg.ID = util.NewID("msg")
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, claim_id, sender_id, sender_role, sender_display_name, sender_address, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq, created_at
	`, msg.ID, msg.ClaimID, msg.SenderID, msg.SenderRole, msg.SenderDisplayName, msg.SenderAddress, msg.Body).
		Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	msg.Attachments = nil
	return msg, nil
}

// ListMessagesByClaim returns the claim's full conversation ordered by
// created_at ascending, ties by insertion order, with attachments joined in.
// The order is stable across reads.
func (s *PostgresStore) ListMessagesByClaim(ctx context.Context, claimID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, claim_id, sender_id, sender_role, sender_display_name, sender_address, body, seq, created_at
		FROM messages
		WHERE claim_id=$1
		ORDER BY created_at ASC, seq ASC
	`, claimID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	index := map[string]int{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ClaimID, &msg.SenderID, &msg.SenderRole,
			&msg.SenderDisplayName, &msg.SenderAddress, &msg.Body, &msg.Seq, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		index[msg.ID] = len(messages)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if len(messages) == 0 {
		return messages, nil
	}

	attRows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.message_id, a.file_path, a.file_name, a.file_type, a.file_size, a.created_at
		FROM message_attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE m.claim_id=$1
		ORDER BY a.created_at ASC
	`, claimID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer attRows.Close()

	for attRows.Next() {
		var att Attachment
		if err := attRows.Scan(&att.ID, &att.MessageID, &att.FilePath, &att.FileName,
			&att.FileType, &att.FileSize, &att.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		if i, ok := index[att.MessageID]; ok {
			messages[i].Attachments = append(messages[i].Attachments, att)
		}
	}
	if err := attRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return messages, nil
}

// AppendAttachment records attachment metadata for an already persisted
// message. It is independent of AppendMessage; a failure here never rolls the
// parent message back.
func (s *PostgresStore) AppendAttachment(ctx context.Context, att Attachment) (Attachment, error) {
	att.ID = util.NewID("att")
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO message_attachments (id, message_id, file_path, file_name, file_type, file_size)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, att.ID, att.MessageID, att.FilePath, att.FileName, att.FileType, att.FileSize).
		Scan(&att.CreatedAt)
	if err != nil {
		return Attachment{}, fmt.Errorf("insert attachment: %w", err)
	}
	return att, nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	var att Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, file_path, file_name, file_type, file_size, created_at
		FROM message_attachments WHERE id=$1
	`, attachmentID).Scan(&att.ID, &att.MessageID, &att.FilePath, &att.FileName, &att.FileType, &att.FileSize, &att.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Attachment{}, ErrNotFound
	}
	if err != nil {
		return Attachment{}, fmt.Errorf("get attachment: %w", err)
	}
	return att, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var msg Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, claim_id, sender_id, sender_role, sender_display_name, sender_address, body, seq, created_at
		FROM messages WHERE id=$1
	`, messageID).Scan(&msg.ID, &msg.ClaimID, &msg.SenderID, &msg.SenderRole,
		&msg.SenderDisplayName, &msg.SenderAddress, &msg.Body, &msg.Seq, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, role, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// GetPrimaryWorkshopLocation returns the workshop user's primary registered
// site, falling back to the oldest location when none is flagged primary.
func (s *PostgresStore) GetPrimaryWorkshopLocation(ctx context.Context, userID string) (WorkshopLocation, error) {
	var loc WorkshopLocation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, address, is_primary
		FROM workshop_locations
		WHERE user_id=$1
		ORDER BY is_primary DESC, id ASC
		LIMIT 1
	`, userID).Scan(&loc.ID, &loc.UserID, &loc.Name, &loc.Address, &loc.IsPrimary)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkshopLocation{}, ErrNotFound
	}
	if err != nil {
		return WorkshopLocation{}, fmt.Errorf("get workshop location: %w", err)
	}
	return loc, nil
}

func (s *PostgresStore) GetInsurerProfile(ctx context.Context, userID string) (InsurerProfile, error) {
	var profile InsurerProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, company_name, address FROM insurer_profiles WHERE user_id=$1
	`, userID).Scan(&profile.UserID, &profile.CompanyName, &profile.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return InsurerProfile{}, ErrNotFound
	}
	if err != nil {
		return InsurerProfile{}, fmt.Errorf("get insurer profile: %w", err)
	}
	return profile, nil
}

// ListPurgeableClaims returns ids of claims whose conversations are past the
// retention window, i.e. completed before the cutoff, and that still have
// messages to delete.
func (s *PostgresStore) ListPurgeableClaims(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.id
		FROM claims c
		JOIN messages m ON m.claim_id = c.id
		WHERE c.completed_at IS NOT NULL AND c.completed_at < $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list purgeable claims: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan purgeable claim: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAttachmentKeysByClaim returns the object-storage keys of every
// attachment in the claim's conversation, for purge-time cleanup.
func (s *PostgresStore) ListAttachmentKeysByClaim(ctx context.Context, claimID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.file_path
		FROM message_attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE m.claim_id=$1
	`, claimID)
	if err != nil {
		return nil, fmt.Errorf("list attachment keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan attachment key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteClaimConversation removes every message and attachment row of the
// claim in one transaction. The claim record itself is owned by the
// claim-management service and stays.
func (s *PostgresStore) DeleteClaimConversation(ctx context.Context, claimID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM message_attachments a
		USING messages m
		WHERE m.id = a.message_id AND m.claim_id=$1
	`, claimID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("purge attachments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE claim_id=$1`, claimID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("purge messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purge tx: %w", err)
	}
	return nil
}
