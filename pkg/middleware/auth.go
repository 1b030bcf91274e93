// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides Gin middleware for the annotation server.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	Authenticate
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │   (or the access_token query parameter for websocket upgrades)
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Authorize(action) ─► Handler (retrieves via GetAuthInfo)
//
// With NopAuthProvider every request is "local-user" with the admin role,
// so a single-user install needs no identity infrastructure.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAnnotate/pkg/extensions"
)

// authInfoKey is the Gin context key for the caller's AuthInfo.
const authInfoKey = "aleutian_auth_info"

// accessTokenParam carries the bearer token on websocket upgrades, where
// browsers cannot set headers.
const accessTokenParam = "access_token"

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SetAuthInfo stores the authenticated user in the Gin context.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated user, or nil when Authenticate did
// not run for this request.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// Authenticate validates the request's bearer token with provider and
// stores the resulting AuthInfo for downstream handlers.
//
// # Description
//
// A missing token is passed to the provider as "", which NopAuthProvider
// accepts. Any validation error aborts with 401.
//
// # Inputs
//
//   - provider: Validates tokens. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware for a route group.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func Authenticate(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			msg := "authentication failed"
			if errors.Is(err, extensions.ErrUnauthorized) {
				msg = "unauthorized"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: msg, Code: "UNAUTHORIZED"})
			return
		}
		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// Authorize rejects requests whose user may not perform action on
// resourceType. It must run after Authenticate.
func Authorize(authz extensions.AuthzProvider, action, resourceType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := extensions.AuthzRequest{
			User:         GetAuthInfo(c),
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   c.Param("id"),
		}
		if err := authz.Authorize(c.Request.Context(), req); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: err.Error(), Code: "FORBIDDEN"})
			return
		}
		c.Next()
	}
}

// extractBearerToken returns the token of an "Authorization: Bearer <token>"
// header, falling back to the access_token query parameter. The scheme is
// matched case-insensitively per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return c.Query(accessTokenParam)
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
