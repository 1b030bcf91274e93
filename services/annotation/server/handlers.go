// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAnnotate/pkg/extensions"
	"github.com/AleutianAI/AleutianAnnotate/pkg/middleware"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/datatypes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/docstore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/filestore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/telemetry"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/validation"
)

// ServiceVersion is the annotation server version.
const ServiceVersion = "0.1.0"

const (
	// MaxChangeBytes bounds a POST /v1/changes body.
	MaxChangeBytes = 32 << 20

	// DefaultChangesLimit and MaxChangesLimit bound GET /v1/changes.
	DefaultChangesLimit = 1000
	MaxChangesLimit     = 10000
)

// Handlers contains the HTTP handlers of the annotation server.
type Handlers struct {
	executor *Executor
	store    *docstore.Store
	files    *filestore.Store
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers creates handlers. files may be nil, which disables uploads.
func NewHandlers(executor *Executor, store *docstore.Store, files *filestore.Store, hub *Hub) *Handlers {
	return &Handlers{
		executor: executor,
		store:    store,
		files:    files,
		hub:      hub,
		logger:   slog.Default(),
	}
}

// WithLogger sets the handler logger.
func (h *Handlers) WithLogger(logger *slog.Logger) *Handlers {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	logger := h.logger.With("request_id", getOrCreateRequestID(c), "handler", handler)
	if id := telemetry.TraceID(c.Request.Context()); id != "" {
		logger = logger.With("trace_id", id)
	}
	return logger
}

// HandleSubmitChange handles POST /v1/changes.
//
// Description:
//
//	Executes one serialized change (flat or batched form) against the
//	document store and broadcasts it to the channels it touched.
//
// Headers:
//
//	X-User-Token: The submitting client's session token, echoed in the
//	broadcast so the client can skip its own change.
//
// Response:
//
//	200 OK: SubmitResponse
//	400 Bad Request: Undecodable change
//	403 Forbidden: Authorization validation failed
//	404 Not Found: A referenced feature, assembly or refseq is missing
//	409 Conflict: Stale old value or id collision
//	422 Unprocessable Entity: SubmitResponse with the failing validations
//	500 Internal Server Error: Execution failure
func (h *Handlers) HandleSubmitChange(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSubmitChange")

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxChangeBytes))
	if err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_CHANGE",
		})
		return
	}

	out, err := h.executor.Execute(c.Request.Context(), Submission{
		Data:      body,
		User:      middleware.GetAuthInfo(c),
		UserToken: c.GetHeader(datatypes.UserTokenHeader),
	})
	if err != nil {
		var verr *validation.ValidationError
		if errors.As(err, &verr) && out != nil {
			status := http.StatusUnprocessableEntity
			if errors.Is(err, extensions.ErrUnauthorized) || hasAuthorizationFailure(out.Results) {
				status = http.StatusForbidden
			}
			logger.Info("Change rejected", "stage", verr.Stage, "error", verr.Results.ErrorMessage())
			c.JSON(status, datatypes.SubmitResponse{OK: false, Results: out.Results.Results})
			return
		}
		status, code := errorStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Error("Change failed", "error", err)
		} else {
			logger.Info("Change refused", "error", err)
		}
		c.JSON(status, datatypes.ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	c.JSON(http.StatusOK, datatypes.SubmitResponse{
		OK:       true,
		Results:  out.Results.Results,
		Sequence: out.Sequence,
	})
}

func hasAuthorizationFailure(rs validation.ResultSet) bool {
	for _, r := range rs.Results {
		if !r.OK() && r.ValidationName == validation.AuthorizationValidationName {
			return true
		}
	}
	return false
}

// HandleListChanges handles GET /v1/changes.
//
// Description:
//
//	Replays the change log after a sequence number, for clients
//	catching up after a reconnect.
//
// Query Parameters:
//
//	since: Last sequence the client applied (default 0)
//	channel: Channel filter, repeatable
//	limit: Maximum entries (default 1000, max 10000)
//
// Response:
//
//	200 OK: ChangesResponse
//	400 Bad Request: Malformed parameter
func (h *Handlers) HandleListChanges(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListChanges")

	since, err := queryInt(c, "since", 0)
	if err != nil || since < 0 {
		badParam(c, "since")
		return
	}
	limit, err := queryInt(c, "limit", DefaultChangesLimit)
	if err != nil || limit <= 0 {
		badParam(c, "limit")
		return
	}
	limit = min(limit, MaxChangesLimit)

	ctx := c.Request.Context()
	latest, err := h.store.LatestSequence(ctx)
	if err != nil {
		logger.Error("Reading change sequence failed", "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error(), Code: "STORE_FAILED"})
		return
	}
	entries, err := h.store.ChangesSince(ctx, since, queryList(c, "channel"), int(limit))
	if err != nil {
		logger.Error("Reading change log failed", "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error(), Code: "STORE_FAILED"})
		return
	}

	resp := datatypes.ChangesResponse{Changes: make([]datatypes.ChangeRecord, 0, len(entries)), Latest: latest}
	for _, e := range entries {
		resp.Changes = append(resp.Changes, toRecord(e))
	}
	c.JSON(http.StatusOK, resp)
}

func toRecord(e docstore.LogEntry) datatypes.ChangeRecord {
	return datatypes.ChangeRecord{
		Sequence:  e.Sequence,
		Assembly:  e.Assembly,
		TypeName:  e.TypeName,
		Channels:  e.Channels,
		Change:    e.Change,
		UserName:  e.UserName,
		UserToken: e.UserToken,
		Timestamp: e.Timestamp,
	}
}

// HandleFeaturesInRegion handles GET /v1/features.
//
// Query Parameters:
//
//	refSeq: RefSeq id (required)
//	start, end: Half-open interval (default the whole refseq)
//
// Response:
//
//	200 OK: FeaturesResponse
//	400 Bad Request: Missing refSeq or malformed interval
func (h *Handlers) HandleFeaturesInRegion(c *gin.Context) {
	logger := h.requestLogger(c, "HandleFeaturesInRegion")

	refSeq := c.Query("refSeq")
	if refSeq == "" {
		badParam(c, "refSeq")
		return
	}
	start, err := queryInt(c, "start", 0)
	if err != nil || start < 0 {
		badParam(c, "start")
		return
	}
	end, err := queryInt(c, "end", 1<<62)
	if err != nil || end < start {
		badParam(c, "end")
		return
	}

	docs, err := h.store.FeaturesInRegion(c.Request.Context(), refSeq, start, end)
	if err != nil {
		logger.Error("Region query failed", "error", err)
		status, code := errorStatus(err)
		c.JSON(status, datatypes.ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	if docs == nil {
		docs = []*feature.Document{}
	}
	c.JSON(http.StatusOK, datatypes.FeaturesResponse{Documents: docs})
}

// HandleGetFeature handles GET /v1/features/:id and returns the top-level
// document containing the feature.
func (h *Handlers) HandleGetFeature(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetFeature")

	doc, err := h.store.FindDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := errorStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Error("Feature lookup failed", "error", err)
		}
		c.JSON(status, datatypes.ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// HandleListAssemblies handles GET /v1/assemblies.
func (h *Handlers) HandleListAssemblies(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListAssemblies")

	asms, err := h.store.Assemblies(c.Request.Context())
	if err != nil {
		logger.Error("Listing assemblies failed", "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error(), Code: "STORE_FAILED"})
		return
	}
	if asms == nil {
		asms = []feature.Assembly{}
	}
	c.JSON(http.StatusOK, datatypes.AssembliesResponse{Assemblies: asms})
}

// HandleListRefSeqs handles GET /v1/assemblies/:id/refseqs.
func (h *Handlers) HandleListRefSeqs(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListRefSeqs")

	refSeqs, err := h.store.RefSeqs(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := errorStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Error("Listing refseqs failed", "error", err)
		}
		c.JSON(status, datatypes.ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	if refSeqs == nil {
		refSeqs = []feature.RefSeq{}
	}
	c.JSON(http.StatusOK, datatypes.RefSeqsResponse{RefSeqs: refSeqs})
}

// HandleGetSequence handles GET /v1/refseqs/:id/sequence.
//
// Query Parameters:
//
//	start, end: Half-open interval, clamped to the refseq length
func (h *Handlers) HandleGetSequence(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetSequence")

	start, err := queryInt(c, "start", 0)
	if err != nil || start < 0 {
		badParam(c, "start")
		return
	}
	end, err := queryInt(c, "end", 1<<62)
	if err != nil || end < start {
		badParam(c, "end")
		return
	}

	id := c.Param("id")
	seq, err := h.store.Sequence(c.Request.Context(), id, start, end)
	if err != nil {
		status, code := errorStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Error("Sequence read failed", "error", err)
		}
		c.JSON(status, datatypes.ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, datatypes.SequenceResponse{
		RefSeq:   id,
		Start:    start,
		End:      start + int64(len(seq)),
		Sequence: seq,
	})
}

// HandleUploadFile handles POST /v1/files.
//
// Description:
//
//	Stores a FASTA or GFF3 file (optionally gzip-compressed) for a later
//	AddAssemblyFromFile or AddFeaturesFromFile change. Accepts either a
//	multipart form with a "file" field or the raw file as the body.
//
// Response:
//
//	201 Created: FileResponse
//	400 Bad Request: Missing file
//	503 Service Unavailable: Uploads disabled
func (h *Handlers) HandleUploadFile(c *gin.Context) {
	logger := h.requestLogger(c, "HandleUploadFile")

	if h.files == nil {
		c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{Error: "file uploads are disabled", Code: "UPLOADS_DISABLED"})
		return
	}

	var r io.Reader = c.Request.Body
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			logger.Warn("Missing file field", "error", err)
			badParam(c, "file")
			return
		}
		f, err := fh.Open()
		if err != nil {
			logger.Error("Opening upload failed", "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error(), Code: "UPLOAD_FAILED"})
			return
		}
		defer f.Close()
		r = f
	}

	id, err := h.files.Put(c.Request.Context(), r)
	if err != nil {
		logger.Error("Storing upload failed", "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error(), Code: "UPLOAD_FAILED"})
		return
	}
	logger.Info("File uploaded", "file_id", id)
	c.JSON(http.StatusCreated, datatypes.FileResponse{FileID: id})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	seq, err := h.store.LatestSequence(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{Error: err.Error(), Code: "STORE_UNAVAILABLE"})
		return
	}
	c.JSON(http.StatusOK, datatypes.HealthResponse{Status: "ok", Version: ServiceVersion, Sequence: seq})
}

// =============================================================================
// Helpers
// =============================================================================

// errorStatus maps an execution or query error to a status and code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, changes.ErrFeatureNotFound),
		errors.Is(err, changes.ErrAssemblyNotFound),
		errors.Is(err, changes.ErrRefSeqNotFound),
		errors.Is(err, feature.ErrNotFound),
		errors.Is(err, filestore.ErrFileNotFound):
		return http.StatusNotFound, "FEATURE_NOT_FOUND"
	case errors.Is(err, changes.ErrConflict),
		errors.Is(err, feature.ErrDuplicateID):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, validation.ErrValidationFailed):
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED"
	case errors.Is(err, extensions.ErrUnauthorized):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, changes.ErrUnknownChangeType),
		errors.Is(err, changes.ErrInvalidChange),
		errors.Is(err, changes.ErrNotInvertible),
		errors.Is(err, filestore.ErrInvalidFileID),
		errors.Is(err, feature.ErrInvalidRange):
		return http.StatusBadRequest, "INVALID_CHANGE"
	default:
		return http.StatusInternalServerError, "CHANGE_FAILED"
	}
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

func queryInt(c *gin.Context, key string, def int64) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// queryList accepts both repeated parameters and comma-separated values.
func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		for part := range strings.SplitSeq(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func badParam(c *gin.Context, name string) {
	c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
		Error: "invalid or missing parameter: " + name,
		Code:  "INVALID_REQUEST",
	})
}
