// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when authentication or authorization fails.
//
// Example:
//
//	if !validToken {
//	    return nil, fmt.Errorf("invalid token format: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// Roles understood by RoleAuthzProvider.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

// Actions checked through AuthzProvider.
const (
	// ActionRead covers feature, assembly and change-log queries.
	ActionRead = "read"

	// ActionEdit covers changes to features inside an assembly.
	ActionEdit = "edit"

	// ActionAdminister covers creating and deleting whole assemblies.
	ActionAdminister = "administer"
)

// AuthInfo contains identity information returned after successful authentication.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the user
//
// Optional fields (may be empty):
//   - Name: Display name, shown to collaborators as the author of a change
//   - Email: User's email address
//   - Roles: viewer, editor, admin
//   - Metadata: Extra token claims
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// This is the only required field and must never be empty.
	UserID string

	// Name is the display name broadcast with the user's changes.
	Name string

	// Email is the user's email address.
	Email string

	// Roles contains the user's role memberships for authorization decisions.
	Roles []string

	// Metadata holds additional claims from the identity provider.
	Metadata Metadata
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return a != nil && slices.Contains(a.Roles, role)
}

// HasAnyRole checks if the user has at least one of roles.
func (a *AuthInfo) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, a.HasRole)
}

// DisplayName returns Name, falling back to Email and then UserID.
func (a *AuthInfo) DisplayName() string {
	switch {
	case a == nil:
		return ""
	case a.Name != "":
		return a.Name
	case a.Email != "":
		return a.Email
	default:
		return a.UserID
	}
}

// AuthProvider validates authentication tokens and returns user identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Open Source Behavior
//
// The default NopAuthProvider always returns a valid "local-user" with admin
// privileges, so a local install works without identity infrastructure.
type AuthProvider interface {
	// Validate checks if the token is valid and returns the user's identity.
	//
	// Returns:
	//   - *AuthInfo: User identity information if valid
	//   - error: ErrUnauthorized (or wrapped) if invalid, other errors for failures
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an authorization check request.
//
// Example:
//
//	req := AuthzRequest{
//	    User:         authInfo,
//	    Action:       ActionEdit,
//	    ResourceType: "assembly",
//	    ResourceID:   "asm-1",
//	}
//	err := authzProvider.Authorize(ctx, req)
type AuthzRequest struct {
	// User is the authenticated user making the request.
	User *AuthInfo

	// Action is one of ActionRead, ActionEdit, ActionAdminister.
	Action string

	// ResourceType is the category of resource being accessed.
	// Examples: "assembly", "feature", "changes"
	ResourceType string

	// ResourceID is the specific resource instance (optional).
	ResourceID string
}

// AuthzProvider checks if a user is authorized to perform an action.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthzProvider interface {
	// Authorize returns nil when the action is permitted and
	// ErrUnauthorized (or wrapped) when it is denied.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider is the default authentication provider.
//
// It always returns a valid local user with admin privileges.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always returns a valid local user with admin privileges.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Name:   "local",
		Roles:  []string{RoleAdmin},
	}, nil
}

// NopAuthzProvider is the default authorization provider.
//
// It always allows all actions.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthzProvider struct{}

// Authorize always returns nil, allowing all actions.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// RoleAuthzProvider grants actions by role:
//
//	read        viewer, editor, admin
//	edit        editor, admin
//	administer  admin
//
// Thread-safe: This implementation has no mutable state.
type RoleAuthzProvider struct{}

// Authorize checks req.User's roles against the action.
func (RoleAuthzProvider) Authorize(_ context.Context, req AuthzRequest) error {
	if req.User == nil {
		return fmt.Errorf("no authenticated user: %w", ErrUnauthorized)
	}
	var allowed []string
	switch req.Action {
	case ActionRead:
		allowed = []string{RoleViewer, RoleEditor, RoleAdmin}
	case ActionEdit:
		allowed = []string{RoleEditor, RoleAdmin}
	case ActionAdminister:
		allowed = []string{RoleAdmin}
	default:
		return fmt.Errorf("unknown action %q: %w", req.Action, ErrUnauthorized)
	}
	if !req.User.HasAnyRole(allowed...) {
		return fmt.Errorf("user %s cannot %s %s %s: %w",
			req.User.UserID, req.Action, req.ResourceType, req.ResourceID, ErrUnauthorized)
	}
	return nil
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
	_ AuthzProvider = RoleAuthzProvider{}
)
