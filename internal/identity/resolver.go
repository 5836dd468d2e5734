// Package identity resolves the sender snapshot that gets frozen into each
// message at send time. Resolution happens exactly once per send and never
// again on read, so historic messages stay stable when a profile changes or a
// workshop's primary location is reassigned.
package identity

import (
	"context"
	"errors"
	"fmt"

	"claimline/api/internal/rbac"
	"claimline/api/internal/store"
)

// AdministratorLabel is the fixed display identity of administrators; they
// carry no address.
const AdministratorLabel = "ClaimLine Support"

// Snapshot is the denormalized sender identity stored on a message.
type Snapshot struct {
	DisplayName string
	Address     string
}

// Directory is the slice of the data store identity resolution reads from.
type Directory interface {
	GetUser(ctx context.Context, userID string) (store.User, error)
	GetPrimaryWorkshopLocation(ctx context.Context, userID string) (store.WorkshopLocation, error)
	GetInsurerProfile(ctx context.Context, userID string) (store.InsurerProfile, error)
}

// Resolver dispatches on the sender's role. Each role variant has its own
// resolution rule rather than a shared string-keyed branch, so the
// freeze-at-send-time behavior is testable per role.
type Resolver struct {
	directory Directory
}

func NewResolver(directory Directory) *Resolver {
	return &Resolver{directory: directory}
}

// Resolve returns the display snapshot for a sender:
// workshop → primary registered location's name and address,
// insurer → company name and address on file,
// administrator → fixed label, no address.
// A workshop without a registered location or an insurer without a company
// profile falls back to the directory display name, without an address.
func (r *Resolver) Resolve(ctx context.Context, userID string, role rbac.Role) (Snapshot, error) {
	variant, err := variantFor(role)
	if err != nil {
		return Snapshot{}, err
	}
	return variant.resolve(ctx, r.directory, userID)
}

type roleVariant interface {
	resolve(ctx context.Context, dir Directory, userID string) (Snapshot, error)
}

func variantFor(role rbac.Role) (roleVariant, error) {
	switch role {
	case rbac.RoleWorkshop:
		return workshopVariant{}, nil
	case rbac.RoleInsurer:
		return insurerVariant{}, nil
	case rbac.RoleAdministrator:
		return administratorVariant{}, nil
	default:
		return nil, fmt.Errorf("unknown sender role %q", role)
	}
}

type workshopVariant struct{}

func (workshopVariant) resolve(ctx context.Context, dir Directory, userID string) (Snapshot, error) {
	loc, err := dir.GetPrimaryWorkshopLocation(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return directoryFallback(ctx, dir, userID)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve workshop identity: %w", err)
	}
	return Snapshot{DisplayName: loc.Name, Address: loc.Address}, nil
}

type insurerVariant struct{}

func (insurerVariant) resolve(ctx context.Context, dir Directory, userID string) (Snapshot, error) {
	profile, err := dir.GetInsurerProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return directoryFallback(ctx, dir, userID)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve insurer identity: %w", err)
	}
	return Snapshot{DisplayName: profile.CompanyName, Address: profile.Address}, nil
}

// directoryFallback covers senders who can write before their location or
// company profile is on file: the directory display name, no address.
func directoryFallback(ctx context.Context, dir Directory, userID string) (Snapshot, error) {
	user, err := dir.GetUser(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve sender directory entry: %w", err)
	}
	return Snapshot{DisplayName: user.DisplayName}, nil
}

type administratorVariant struct{}

func (administratorVariant) resolve(context.Context, Directory, string) (Snapshot, error) {
	return Snapshot{DisplayName: AdministratorLabel}, nil
}
