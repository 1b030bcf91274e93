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
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of an annotation bearer token.
type Claims struct {
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	gojwt.RegisteredClaims
}

// JWTAuthProvider validates HS256 bearer tokens signed with a shared secret.
//
// The secret is held in locked, encrypted memory where the platform allows.
//
// Thread-safe: This implementation has no mutable state.
type JWTAuthProvider struct {
	key    *signingKey
	issuer string
}

// NewJWTAuthProvider creates a provider. Tokens must carry iss == issuer
// when issuer is non-empty.
func NewJWTAuthProvider(secret []byte, issuer string) *JWTAuthProvider {
	return &JWTAuthProvider{key: newSigningKey(secret), issuer: issuer}
}

// Validate parses and verifies token.
//
// # Outputs
//
//   - *AuthInfo: Subject, name, email and roles from the claims.
//   - error: ErrUnauthorized (wrapped) for a bad signature, wrong issuer,
//     expired token or missing subject.
func (p *JWTAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	opts := []gojwt.ParserOption{gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()})}
	if p.issuer != "" {
		opts = append(opts, gojwt.WithIssuer(p.issuer))
	}
	claims := &Claims{}
	err := p.key.use(func(key []byte) error {
		_, err := gojwt.ParseWithClaims(token, claims, func(*gojwt.Token) (any, error) {
			return key, nil
		}, opts...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrUnauthorized)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject: %w", ErrUnauthorized)
	}

	info := &AuthInfo{
		UserID: claims.Subject,
		Name:   claims.Name,
		Email:  claims.Email,
		Roles:  claims.Roles,
	}
	if claims.ID != "" {
		info.Metadata = NewMetadata().Set("token_id", claims.ID)
	}
	return info, nil
}

// Issue signs a token for info that expires after ttl. A zero ttl issues a
// token without expiry.
func (p *JWTAuthProvider) Issue(info *AuthInfo, ttl time.Duration) (string, error) {
	if info == nil || info.UserID == "" {
		return "", errors.New("issue token: user id required")
	}
	now := time.Now()
	claims := Claims{
		Name:  info.Name,
		Email: info.Email,
		Roles: info.Roles,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:  info.UserID,
			Issuer:   p.issuer,
			IssuedAt: gojwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}
	var signed string
	err := p.key.use(func(key []byte) (err error) {
		signed, err = gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(key)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return signed, nil
}

var _ AuthProvider = (*JWTAuthProvider)(nil)
