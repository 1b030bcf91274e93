// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package driver connects a client's ChangeManager to a backend.
//
// CollaborationServerDriver talks to the annotation server: it submits
// changes over HTTP and follows the server's channels over a websocket,
// applying collaborators' changes to the client. LocalGFF3Driver runs
// changes directly against a GFF3 file.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/clientstore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/datatypes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/observability"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/telemetry"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/validation"
)

const (
	// DefaultReconnectInterval paces websocket reconnects.
	DefaultReconnectInterval = time.Second

	// DefaultReplayPageSize is the limit of each change-log request.
	DefaultReplayPageSize = 1000

	// messageBuffer holds channel messages that arrive while a reconnect
	// is replaying the change log.
	messageBuffer = 1024
)

// ServerError is a non-2xx response that carried no validation results.
type ServerError struct {
	Status  int
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Applier applies a collaborator's committed change to the client.
// *manager.Manager implements it.
type Applier interface {
	ApplyRemote(ctx context.Context, c changes.Change) error
}

// CollaborationConfig configures a CollaborationServerDriver.
type CollaborationConfig struct {
	// BaseURL is the server root, e.g. "http://localhost:8090". Required.
	BaseURL string

	// Token is sent as the bearer token. Optional.
	Token string

	// Channels are the channels Run subscribes to.
	Channels []string

	// Registry decodes broadcast changes. Default changes.NewDefaultRegistry.
	Registry *changes.Registry

	// Sequences stores the last applied sequence. Default in memory.
	Sequences SequenceStore

	HTTPClient        *http.Client
	Dialer            *websocket.Dialer
	ReconnectInterval time.Duration
	ReplayPageSize    int
	Metrics           *observability.Metrics
	Logger            *slog.Logger
}

// CollaborationServerDriver is the manager.Driver and clientstore.Loader
// for a remote annotation server.
//
// # Description
//
// Each driver has a ULID user token. The server echoes it in broadcasts,
// so Run skips the client's own changes, which the manager already
// applied optimistically.
//
// On every (re)connect Run subscribes first and buffers live messages,
// then replays the change log after the stored sequence, then drains the
// buffer skipping anything the replay already covered. A live message
// that skips past unseen sequences triggers another replay first.
// Sequences are applied in increasing order and never twice.
//
// # Thread Safety
//
// SubmitChange and LoadRegion are safe for concurrent use. Run must not
// be called concurrently with itself.
type CollaborationServerDriver struct {
	base      *url.URL
	token     string
	userToken string
	channels  []string
	registry  *changes.Registry
	sequences SequenceStore
	http      *http.Client
	dialer    *websocket.Dialer
	interval  time.Duration
	pageSize  int
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewCollaborationServerDriver creates a driver.
func NewCollaborationServerDriver(cfg CollaborationConfig) (*CollaborationServerDriver, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("collaboration driver requires a server url")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must be http or https", cfg.BaseURL)
	}

	d := &CollaborationServerDriver{
		base:      base,
		token:     cfg.Token,
		userToken: ulid.Make().String(),
		channels:  cfg.Channels,
		registry:  cfg.Registry,
		sequences: cfg.Sequences,
		http:      cfg.HTTPClient,
		dialer:    cfg.Dialer,
		interval:  cfg.ReconnectInterval,
		pageSize:  cfg.ReplayPageSize,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if d.registry == nil {
		d.registry = changes.NewDefaultRegistry()
	}
	if d.sequences == nil {
		d.sequences = &MemorySequenceStore{}
	}
	if d.http == nil {
		d.http = &http.Client{Timeout: 5 * time.Minute}
	}
	if d.dialer == nil {
		d.dialer = websocket.DefaultDialer
	}
	if d.interval <= 0 {
		d.interval = DefaultReconnectInterval
	}
	if d.pageSize <= 0 {
		d.pageSize = DefaultReplayPageSize
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With(slog.String("component", "collaboration_driver"), slog.String("server", base.Host))
	return d, nil
}

// UserToken returns the token identifying this client's changes.
func (d *CollaborationServerDriver) UserToken() string { return d.userToken }

func (d *CollaborationServerDriver) endpoint(path string, query url.Values) string {
	u := *d.base
	u.Path += path
	u.RawQuery = query.Encode()
	return u.String()
}

func (d *CollaborationServerDriver) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	req.Header.Set(datatypes.UserTokenHeader, d.userToken)
	telemetry.InjectContext(ctx, req.Header)
	return req, nil
}

// SubmitChange posts c to the server.
//
// # Outputs
//
//   - validation.ResultSet: The server's validation results. A failed set
//     with a nil error means the server rejected the change.
//   - error: Transport failures and *ServerError for execution errors.
func (d *CollaborationServerDriver) SubmitChange(ctx context.Context, c changes.Change) (validation.ResultSet, error) {
	data, err := changes.Encode(c)
	if err != nil {
		return validation.ResultSet{}, err
	}
	req, err := d.newRequest(ctx, http.MethodPost, d.endpoint("/v1/changes", nil), bytes.NewReader(data))
	if err != nil {
		return validation.ResultSet{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return validation.ResultSet{}, fmt.Errorf("submit %s: %w", c.TypeName(), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return validation.ResultSet{}, fmt.Errorf("read submit response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnprocessableEntity, http.StatusForbidden:
		var sr datatypes.SubmitResponse
		if err := json.Unmarshal(body, &sr); err == nil && (sr.OK || len(sr.Results) > 0) {
			if sr.OK && sr.Sequence > 0 {
				d.logger.Debug("change accepted",
					slog.String("kind", string(c.TypeName())),
					slog.Int64("sequence", sr.Sequence),
				)
			}
			return sr.ResultSet(), nil
		}
	}
	return validation.ResultSet{}, decodeServerError(resp.StatusCode, body)
}

func decodeServerError(status int, body []byte) error {
	var er datatypes.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		return &ServerError{Status: status, Code: http.StatusText(status), Message: strings.TrimSpace(string(body))}
	}
	return &ServerError{Status: status, Code: er.Code, Message: er.Error}
}

func (d *CollaborationServerDriver) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	req, err := d.newRequest(ctx, http.MethodGet, d.endpoint(path, query), nil)
	if err != nil {
		return err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return decodeServerError(resp.StatusCode, body)
	}
	return json.Unmarshal(body, v)
}

// LoadRegion fetches the top-level documents overlapping r. Region.RefSeq
// is the refseq id.
func (d *CollaborationServerDriver) LoadRegion(ctx context.Context, r clientstore.Region) ([]*feature.Document, error) {
	q := url.Values{}
	q.Set("refSeq", r.RefSeq)
	q.Set("start", strconv.FormatInt(r.Start, 10))
	q.Set("end", strconv.FormatInt(r.End, 10))
	var resp datatypes.FeaturesResponse
	if err := d.getJSON(ctx, "/v1/features", q, &resp); err != nil {
		return nil, fmt.Errorf("load %s: %w", r, err)
	}
	return resp.Documents, nil
}

// Assemblies lists the server's assemblies.
func (d *CollaborationServerDriver) Assemblies(ctx context.Context) ([]feature.Assembly, error) {
	var resp datatypes.AssembliesResponse
	if err := d.getJSON(ctx, "/v1/assemblies", nil, &resp); err != nil {
		return nil, fmt.Errorf("list assemblies: %w", err)
	}
	return resp.Assemblies, nil
}

// RefSeqs lists the reference sequences of assembly.
func (d *CollaborationServerDriver) RefSeqs(ctx context.Context, assembly string) ([]feature.RefSeq, error) {
	var resp datatypes.RefSeqsResponse
	if err := d.getJSON(ctx, "/v1/assemblies/"+url.PathEscape(assembly)+"/refseqs", nil, &resp); err != nil {
		return nil, fmt.Errorf("list refseqs of %s: %w", assembly, err)
	}
	return resp.RefSeqs, nil
}

// UploadFile stores r on the server for a later file-based change and
// returns its file id.
func (d *CollaborationServerDriver) UploadFile(ctx context.Context, r io.Reader) (string, error) {
	req, err := d.newRequest(ctx, http.MethodPost, d.endpoint("/v1/files", nil), r)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := d.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", decodeServerError(resp.StatusCode, body)
	}
	var fr datatypes.FileResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return fr.FileID, nil
}

// ChangesSince pages through the change log after since, filtered to
// channels.
func (d *CollaborationServerDriver) ChangesSince(ctx context.Context, since int64, channels []string) ([]datatypes.ChangeRecord, error) {
	out, _, err := d.changeLog(ctx, since, channels)
	return out, err
}

// changeLog is ChangesSince that also returns the log head the server
// reported with the first page. Every entry at or below it on channels is
// in the result.
func (d *CollaborationServerDriver) changeLog(ctx context.Context, since int64, channels []string) ([]datatypes.ChangeRecord, int64, error) {
	var out []datatypes.ChangeRecord
	var latest int64
	for page := 0; ; page++ {
		q := url.Values{}
		q.Set("since", strconv.FormatInt(since, 10))
		q.Set("limit", strconv.Itoa(d.pageSize))
		for _, ch := range channels {
			q.Add("channel", ch)
		}
		var resp datatypes.ChangesResponse
		if err := d.getJSON(ctx, "/v1/changes", q, &resp); err != nil {
			return out, latest, fmt.Errorf("replay since %d: %w", since, err)
		}
		if page == 0 {
			latest = resp.Latest
		}
		out = append(out, resp.Changes...)
		if len(resp.Changes) < d.pageSize {
			return out, latest, nil
		}
		since = resp.Changes[len(resp.Changes)-1].Sequence
	}
}

// Run follows the subscribed channels until ctx ends, reconnecting at
// most once per ReconnectInterval.
//
// # Outputs
//
//   - error: ctx.Err() once ctx is done, or a SequenceStore failure.
func (d *CollaborationServerDriver) Run(ctx context.Context, applier Applier) error {
	limiter := rate.NewLimiter(rate.Every(d.interval), 1)
	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		err := d.session(ctx, applier, attempt > 0)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var serr *sequenceError
		if errors.As(err, &serr) {
			return serr.err
		}
		d.logger.Warn("collaboration connection lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Int("attempt", attempt+1),
		)
	}
}

type sequenceError struct{ err error }

func (e *sequenceError) Error() string { return "sequence store: " + e.err.Error() }

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

// session runs one websocket connection: subscribe, replay, then follow.
func (d *CollaborationServerDriver) session(ctx context.Context, applier Applier, reconnect bool) error {
	ws, err := d.dial(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	// Live messages queue here while the replay runs.
	msgs := make(chan datatypes.ChannelMessage, messageBuffer)
	readErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			var msg datatypes.ChannelMessage
			if err := ws.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	last, err := d.sequences.LastSequence(ctx)
	if err != nil {
		return &sequenceError{err}
	}
	f := &follower{d: d, applier: applier, last: last}
	if err := f.replay(ctx); err != nil {
		return err
	}
	if reconnect {
		d.metrics.RecordReconnect(f.applied)
	}
	d.logger.Info("collaboration connected",
		slog.Any("channels", d.channels),
		slog.Int64("sequence", f.last),
		slog.Int("replayed", f.applied),
	)

	for msg := range msgs {
		if err := f.receive(ctx, msg); err != nil {
			return err
		}
	}
	select {
	case err := <-readErr:
		return err
	default:
		return nil
	}
}

// follower applies one connection's changes in sequence order.
//
// The server broadcasts in log order, but a subscriber only sees its own
// channels, so a jump in sequence numbers is usually another channel's
// traffic. Any jump past what the last replay covered is backfilled from
// the change log before the message itself is applied, so a message that
// overtakes an earlier one never hides it.
type follower struct {
	d       *CollaborationServerDriver
	applier Applier

	// last is the highest sequence applied or skipped.
	last int64

	// checked is the log head reported by the latest replay.
	checked int64

	applied int
}

// replay applies every logged change after last.
func (f *follower) replay(ctx context.Context) error {
	records, latest, err := f.d.changeLog(ctx, f.last, f.d.channels)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := f.apply(ctx, rec.Sequence, rec.UserToken, rec.Change); err != nil {
			return err
		}
	}
	f.checked = max(f.checked, latest)
	return nil
}

// receive applies a live message, backfilling first when sequences
// between last and the message have not been seen.
func (f *follower) receive(ctx context.Context, msg datatypes.ChannelMessage) error {
	seq := msg.Sequence()
	if seq <= f.last {
		return nil
	}
	if seq-1 > max(f.last, f.checked) {
		f.d.logger.Debug("sequence gap, backfilling",
			slog.Int64("last", f.last),
			slog.Int64("sequence", seq),
		)
		if err := f.replay(ctx); err != nil {
			return err
		}
	}
	return f.apply(ctx, seq, msg.UserToken, msg.ChangeInfo)
}

// apply applies one broadcast or replayed change unless it is at or below
// last or was submitted by this client, then records its sequence.
func (f *follower) apply(ctx context.Context, seq int64, userToken string, raw json.RawMessage) error {
	if seq <= f.last {
		return nil
	}
	d := f.d
	if userToken != d.userToken {
		c, err := d.registry.Decode(raw)
		if err != nil {
			d.logger.Error("undecodable change from server",
				slog.Int64("sequence", seq),
				slog.String("error", err.Error()),
			)
		} else if err := f.applier.ApplyRemote(ctx, c); err != nil {
			d.logger.Error("applying remote change failed",
				slog.Int64("sequence", seq),
				slog.String("kind", string(c.TypeName())),
				slog.String("error", err.Error()),
			)
		} else {
			f.applied++
		}
	}
	if err := d.sequences.Advance(ctx, seq); err != nil {
		return &sequenceError{err}
	}
	f.last = seq
	return nil
}

func (d *CollaborationServerDriver) dial(ctx context.Context) (*websocket.Conn, error) {
	u := *d.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/v1/ws"
	q := url.Values{}
	if len(d.channels) > 0 {
		q.Set("channels", strings.Join(d.channels, ","))
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}
	ws, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", u.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return ws, nil
}

var _ clientstore.Loader = (*CollaborationServerDriver)(nil)
