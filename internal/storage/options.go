package storage

import (
	"time"

	"github.com/onexay/revcache/internal/types"
)

// Options control storage behaviour across backends.
type Options struct {
	// TTL bounds how long a cached revision stays visible. Zero keeps it forever.
	TTL time.Duration
}

// envelope is the persisted form of a document in the memory and bolt stores.
type envelope struct {
	Revision  types.Revision `json:"value"`
	ExpiresAt time.Time      `json:"expiresAt,omitempty"`
}

func (o Options) envelope(rev types.Revision, now time.Time) envelope {
	env := envelope{Revision: rev}
	if o.TTL > 0 {
		env.ExpiresAt = now.Add(o.TTL)
	}
	return env
}

func (e envelope) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}
