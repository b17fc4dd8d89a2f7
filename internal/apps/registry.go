// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package apps

import "context"

// Registry resolves applications. Implementations must be safe for
// concurrent use from connection-handling goroutines and must return nil
// (never an error) for unknown lookups; callers decide whether absence is
// fatal. The error return exists for store-backed implementations whose
// lookups can fail at the transport level.
type Registry interface {
	FindByID(ctx context.Context, id string) (*App, error)
	FindByKey(ctx context.Context, key string) (*App, error)
	FindBySecret(ctx context.Context, secret string) (*App, error)
	All(ctx context.Context) ([]*App, error)
}

// ConfigRegistry is an in-memory Registry built from static configuration.
// Lookups are index-based and never fail.
type ConfigRegistry struct {
	byID     map[string]*App
	byKey    map[string]*App
	bySecret map[string]*App
	all      []*App
}

// NewConfigRegistry indexes the given apps by id, key and secret.
func NewConfigRegistry(list []App) *ConfigRegistry {
	r := &ConfigRegistry{
		byID:     make(map[string]*App, len(list)),
		byKey:    make(map[string]*App, len(list)),
		bySecret: make(map[string]*App, len(list)),
		all:      make([]*App, 0, len(list)),
	}
	for i := range list {
		app := list[i]
		r.byID[app.ID] = &app
		r.byKey[app.Key] = &app
		r.bySecret[app.Secret] = &app
		r.all = append(r.all, &app)
	}
	return r
}

// FindByID returns the app with the given id, or nil if unknown.
func (r *ConfigRegistry) FindByID(_ context.Context, id string) (*App, error) {
	return r.byID[id], nil
}

// FindByKey returns the app with the given key, or nil if unknown.
func (r *ConfigRegistry) FindByKey(_ context.Context, key string) (*App, error) {
	return r.byKey[key], nil
}

// FindBySecret returns the app with the given secret, or nil if unknown.
func (r *ConfigRegistry) FindBySecret(_ context.Context, secret string) (*App, error) {
	return r.bySecret[secret], nil
}

// All returns every registered app.
func (r *ConfigRegistry) All(_ context.Context) ([]*App, error) {
	return r.all, nil
}
