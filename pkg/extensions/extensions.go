// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the identity and audit extension points of the
// annotation server.
//
// # Design Philosophy
//
// A single-user local install works without any identity infrastructure:
// the defaults authenticate every caller as a local admin and discard audit
// events. Shared deployments swap in JWTAuthProvider, RoleAuthzProvider and
// a real AuditLogger through ServiceOptions.
//
// # Extension Categories
//
//   - auth.go: Authentication and authorization (AuthProvider, AuthzProvider)
//   - jwt.go: HS256 bearer tokens (JWTAuthProvider)
//   - audit.go: Audit logging of change submissions (AuditLogger)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for server configuration.
//
// Nil fields are replaced with no-op defaults by DefaultOptions or by the
// consuming service.
//
// Example:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewJWTAuthProvider(secret, "aleutian-annotate")).
//	    WithAuthz(extensions.RoleAuthzProvider{})
type ServiceOptions struct {
	// AuthProvider validates bearer tokens.
	// Default: NopAuthProvider (always returns valid local admin)
	AuthProvider AuthProvider

	// AuthzProvider decides whether a user may run a change.
	// Default: NopAuthzProvider (always allows)
	AuthzProvider AuthzProvider

	// AuditLogger records change submissions.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op defaults.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
		AuditLogger:   &NopAuditLogger{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy of opts with the given AuthzProvider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// Normalize fills nil fields with their no-op defaults.
func (opts ServiceOptions) Normalize() ServiceOptions {
	if opts.AuthProvider == nil {
		opts.AuthProvider = &NopAuthProvider{}
	}
	if opts.AuthzProvider == nil {
		opts.AuthzProvider = &NopAuthzProvider{}
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = &NopAuditLogger{}
	}
	return opts
}
