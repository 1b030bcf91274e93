// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the request and response bodies shared by the
// annotation server and its clients.
package datatypes

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/validation"
)

// UserTokenHeader carries the submitting client's session token. The server
// copies it into the broadcast so the client can skip its own echo.
const UserTokenHeader = "X-User-Token"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SubmitResponse is the body of POST /v1/changes.
//
// OK is false when backend validation rejected the change; Results then
// holds the failing hooks.
type SubmitResponse struct {
	OK       bool                `json:"ok"`
	Results  []validation.Result `json:"results"`
	Sequence int64               `json:"sequence,omitempty"`
}

// ResultSet returns the validation results as a set.
func (r SubmitResponse) ResultSet() validation.ResultSet {
	return validation.ResultSet{Results: r.Results}
}

// ChannelMessage is one broadcast of a committed change.
//
// ChangeSequence is the decimal change-log sequence. ChangeInfo is the
// serialized change in registry form.
type ChannelMessage struct {
	ChangeSequence string          `json:"changeSequence"`
	UserToken      string          `json:"userToken,omitempty"`
	Channel        string          `json:"channel"`
	ChangeInfo     json.RawMessage `json:"changeInfo"`
	UserName       string          `json:"userName,omitempty"`
}

// Sequence parses ChangeSequence, returning 0 when it is not a number.
func (m ChannelMessage) Sequence() int64 {
	n, err := strconv.ParseInt(m.ChangeSequence, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// FormatSequence renders a sequence for ChannelMessage.ChangeSequence.
func FormatSequence(seq int64) string { return strconv.FormatInt(seq, 10) }

// ChangeRecord is one change-log entry as served by GET /v1/changes.
type ChangeRecord struct {
	Sequence  int64           `json:"sequence"`
	Assembly  string          `json:"assembly"`
	TypeName  string          `json:"typeName"`
	Channels  []string        `json:"channels"`
	Change    json.RawMessage `json:"change"`
	UserName  string          `json:"userName,omitempty"`
	UserToken string          `json:"userToken,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChangesResponse is the body of GET /v1/changes.
type ChangesResponse struct {
	Changes []ChangeRecord `json:"changes"`
	Latest  int64          `json:"latest"`
}

// FeaturesResponse is the body of GET /v1/features.
type FeaturesResponse struct {
	Documents []*feature.Document `json:"documents"`
}

// AssembliesResponse is the body of GET /v1/assemblies.
type AssembliesResponse struct {
	Assemblies []feature.Assembly `json:"assemblies"`
}

// RefSeqsResponse is the body of GET /v1/assemblies/:id/refseqs.
type RefSeqsResponse struct {
	RefSeqs []feature.RefSeq `json:"refSeqs"`
}

// SequenceResponse is the body of GET /v1/refseqs/:id/sequence.
type SequenceResponse struct {
	RefSeq   string `json:"refSeq"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Sequence string `json:"sequence"`
}

// FileResponse is the body of POST /v1/files.
type FileResponse struct {
	FileID string `json:"fileId"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sequence int64  `json:"sequence"`
}
