package retention

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/adhocore/gronx"
)

// PurgeStore is the slice of the data store the purge job needs.
type PurgeStore interface {
	ListPurgeableClaims(ctx context.Context, cutoff time.Time) ([]string, error)
	ListAttachmentKeysByClaim(ctx context.Context, claimID string) ([]string, error)
	DeleteClaimConversation(ctx context.Context, claimID string) error
}

// ObjectRemover deletes stored attachment bytes.
type ObjectRemover interface {
	Remove(ctx context.Context, key string) error
}

// Purger deletes conversations of claims completed longer than the retention
// window ago: first the attachment objects, then the rows. The claim record
// itself is untouched.
type Purger struct {
	store PurgeStore
	blobs ObjectRemover
	now   func() time.Time
}

func NewPurger(store PurgeStore, blobs ObjectRemover) *Purger {
	return &Purger{store: store, blobs: blobs, now: time.Now}
}

// Start runs the purge on the given cron schedule until ctx is cancelled.
// An empty expression disables the scheduler.
func (p *Purger) Start(ctx context.Context, cronExpr string) (context.CancelFunc, error) {
	if cronExpr == "" {
		log.Printf("retention: purge scheduler disabled")
		return func() {}, nil
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid purge cron expression: %s", cronExpr)
	}

	ctx2, cancel := context.WithCancel(ctx)
	go p.runScheduler(ctx2, cronExpr)
	log.Printf("retention: purge scheduler started, cron %q, window %dd", cronExpr, WindowDays)
	return cancel, nil
}

// runScheduler sleeps until the next cron tick and triggers a run, repeating
// until cancelled.
func (p *Purger) runScheduler(ctx context.Context, cronExpr string) {
	for {
		next, err := gronx.NextTickAfter(cronExpr, p.now().UTC(), false)
		if err != nil {
			log.Printf("retention: next tick for %q failed: %v", cronExpr, err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(time.Until(next)):
			if err := p.RunOnce(ctx); err != nil {
				log.Printf("retention: purge run failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce purges every claim conversation past the retention window. Object
// removal failures are logged and skipped; the rows of such a claim are kept
// so a later run retries the cleanup.
func (p *Purger) RunOnce(ctx context.Context) error {
	cutoff := p.now().UTC().Add(-WindowDays * 24 * time.Hour)
	claimIDs, err := p.store.ListPurgeableClaims(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list purgeable claims: %w", err)
	}

	for _, claimID := range claimIDs {
		keys, err := p.store.ListAttachmentKeysByClaim(ctx, claimID)
		if err != nil {
			log.Printf("retention: list attachment keys for %s: %v", claimID, err)
			continue
		}

		removalFailed := false
		for _, key := range keys {
			if err := p.blobs.Remove(ctx, key); err != nil {
				log.Printf("retention: remove object %s: %v", key, err)
				removalFailed = true
			}
		}
		if removalFailed {
			continue
		}

		if err := p.store.DeleteClaimConversation(ctx, claimID); err != nil {
			log.Printf("retention: delete conversation %s: %v", claimID, err)
			continue
		}
		log.Printf("retention: purged conversation of claim %s (%d attachments)", claimID, len(keys))
	}
	return nil
}
