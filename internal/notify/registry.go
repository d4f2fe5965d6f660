// Package notify resolves reminder types to the providers that deliver them.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/tazhate/calsched/internal/domain"
	"github.com/tazhate/calsched/internal/recur"
)

var (
	// ErrUnknownType means the alarm action is not a reminder kind at all.
	ErrUnknownType = domain.ErrUnknownType
	// ErrProviderUnavailable means the kind is valid but nothing delivers it here.
	ErrProviderUnavailable = errors.New("no provider for reminder type")
)

// Provider delivers one kind of reminder for an event occurrence.
type Provider interface {
	Type() domain.ReminderType
	Send(ctx context.Context, occ recur.Occurrence, calendarName string, recipients []*domain.Principal) error
}

type Registry struct {
	providers map[domain.ReminderType]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[domain.ReminderType]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.providers[p.Type()] = p
}

func (r *Registry) HasProvider(t domain.ReminderType) bool {
	_, ok := r.providers[t]
	return ok
}

// Resolve maps a stored reminder type to its provider.
func (r *Registry) Resolve(raw string) (Provider, error) {
	t, err := domain.ParseReminderType(raw)
	if err != nil {
		return nil, err
	}
	p, ok := r.providers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, t)
	}
	return p, nil
}
