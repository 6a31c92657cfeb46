// Package credential picks the credential used to authenticate to a host.
package credential

import (
	"context"
	"fmt"

	"fleet-plex/internal/filter"
	"fleet-plex/internal/model"
)

// Resolve returns the credential for conn, or nil when none applies.
//
// An explicit CredentialID wins if it still exists. Otherwise the first
// credential, in the given order, whose auto-assign patterns match the
// hostname or whose auto-assign OS list contains the host OS is used.
func Resolve(conn model.ServerConnection, creds []model.Credential) *model.Credential {
	if conn.CredentialID != "" {
		for i := range creds {
			if creds[i].ID == conn.CredentialID {
				c := creds[i]
				return &c
			}
		}
	}

	for i := range creds {
		if autoAssigns(creds[i], conn) {
			c := creds[i]
			return &c
		}
	}
	return nil
}

func autoAssigns(cred model.Credential, conn model.ServerConnection) bool {
	for _, pattern := range cred.AutoAssignPatterns {
		if filter.MatchWildcard(pattern, conn.Hostname) {
			return true
		}
	}
	for _, os := range cred.AutoAssignOSTypes {
		if os == conn.OSType {
			return true
		}
	}
	return false
}

// Lister is the slice of the store the resolver needs.
type Lister interface {
	GetCredentials(ctx context.Context) ([]model.Credential, error)
}

// StoreResolver resolves against the current credential set on every call,
// so edits made while an execution is running are picked up by later hosts.
type StoreResolver struct {
	store Lister
}

// NewStoreResolver creates a resolver backed by store
func NewStoreResolver(store Lister) *StoreResolver {
	return &StoreResolver{store: store}
}

// Resolve loads credentials and applies Resolve.
func (r *StoreResolver) Resolve(ctx context.Context, conn model.ServerConnection) (*model.Credential, error) {
	creds, err := r.store.GetCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return Resolve(conn, creds), nil
}
