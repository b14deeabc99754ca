// Package source turns user queries and URLs into playable track descriptors.
//
// Resolvers are consulted in a fixed order by a Chain. A resolver that does not
// recognize a query returns ErrDeclined and the chain moves on; any other error
// ends the lookup.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDeclined is returned by a resolver that does not handle the query.
	ErrDeclined = errors.New("source: query not handled")
	// ErrNoMatches is returned by a Chain when every resolver declined.
	ErrNoMatches = fmt.Errorf("%w: no matches", ErrDeclined)
	// ErrResolutionFailed matches every *ResolutionError.
	ErrResolutionFailed = errors.New("source: resolution failed")
)

// ResolutionError reports a resolver that recognized a query but failed to load it.
type ResolutionError struct {
	Source string
	Query  string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("source %s: resolving %q: %v", e.Source, e.Query, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool { return target == ErrResolutionFailed }

// Track describes something the player can stream. URI is passed to yt-dlp as is.
type Track struct {
	Title      string
	Author     string
	URI        string
	Identifier string
	Source     string
	Duration   time.Duration
	IsStream   bool
}

func (t Track) String() string {
	if t.Author == "" {
		return t.Title
	}
	return t.Author + " - " + t.Title
}

// Resolver loads tracks for a query. Implementations must be safe for concurrent use.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, query string) ([]Track, error)
}

// Chain consults its resolvers in order.
type Chain struct {
	resolvers []Resolver
}

// NewChain returns a chain over a copy of resolvers.
func NewChain(resolvers ...Resolver) *Chain {
	return &Chain{resolvers: append([]Resolver(nil), resolvers...)}
}

func (c *Chain) Name() string { return "chain" }

// Names lists the resolvers in consultation order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.resolvers))
	for i, r := range c.resolvers {
		names[i] = r.Name()
	}
	return names
}

func (c *Chain) String() string {
	return strings.Join(c.Names(), " -> ")
}

// Resolve returns the tracks of the first resolver that accepts query.
func (c *Chain) Resolve(ctx context.Context, query string) ([]Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNoMatches
	}
	for _, r := range c.resolvers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tracks, err := r.Resolve(ctx, query)
		if errors.Is(err, ErrDeclined) {
			continue
		}
		if err != nil {
			var re *ResolutionError
			if errors.As(err, &re) {
				return nil, err
			}
			return nil, &ResolutionError{Source: r.Name(), Query: query, Err: err}
		}
		if len(tracks) == 0 {
			continue
		}
		return tracks, nil
	}
	return nil, ErrNoMatches
}
