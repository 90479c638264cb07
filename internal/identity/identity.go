// Package identity resolves user ids to display names.
package identity

import (
	"context"
	"strings"
)

// Directory looks up users. Implementations must be safe for concurrent
// use.
type Directory interface {
	DisplayName(ctx context.Context, userID, fallback string) string
}

// Passthrough trusts the name the client supplied.
type Passthrough struct{}

func (Passthrough) DisplayName(_ context.Context, userID, fallback string) string {
	if name := strings.TrimSpace(fallback); name != "" {
		return name
	}
	return userID
}

// Static resolves names from a fixed map, typically the users section of
// the config file. Unknown ids fall back to the client-supplied name.
type Static map[string]string

func (s Static) DisplayName(ctx context.Context, userID, fallback string) string {
	if name := strings.TrimSpace(s[userID]); name != "" {
		return name
	}
	return Passthrough{}.DisplayName(ctx, userID, fallback)
}

// New returns a Static directory when users is non-empty, otherwise
// Passthrough.
func New(users map[string]string) Directory {
	if len(users) == 0 {
		return Passthrough{}
	}
	out := make(Static, len(users))
	for id, name := range users {
		out[strings.TrimSpace(id)] = name
	}
	return out
}
