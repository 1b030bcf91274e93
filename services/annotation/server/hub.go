// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/datatypes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/docstore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/observability"
)

// DefaultSubscriberBuffer is the number of undelivered messages a
// subscriber may hold before the hub drops it.
const DefaultSubscriberBuffer = 256

// Subscription receives the messages of its channels.
type Subscription struct {
	channels []string
	ch       chan datatypes.ChannelMessage
	once     sync.Once
}

// C delivers messages. It is closed when the subscription ends, including
// when the hub drops a subscriber that fell behind.
func (s *Subscription) C() <-chan datatypes.ChannelMessage { return s.ch }

// Channels returns the subscribed channels; empty means all.
func (s *Subscription) Channels() []string { return s.channels }

func (s *Subscription) close() { s.once.Do(func() { close(s.ch) }) }

// match returns the first channel of e this subscription listens to.
func (s *Subscription) match(e docstore.LogEntry) (string, bool) {
	for _, ch := range e.Channels {
		if len(s.channels) == 0 || slices.Contains(s.channels, ch) {
			return ch, true
		}
	}
	return "", false
}

// Hub fans committed changes out to channel subscribers.
//
// # Description
//
// Each subscriber gets a committed change at most once, tagged with the
// first of its channels the change touched. Delivery never blocks the
// committer: a subscriber whose buffer is full is dropped and its channel
// closed. Clients recover the gap through change-log replay when they
// reconnect.
//
// # Thread Safety
//
// Safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewHub creates a hub. buffer <= 0 uses DefaultSubscriberBuffer.
func NewHub(buffer int, metrics *observability.Metrics, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:    make(map[*Subscription]struct{}),
		buffer:  buffer,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "hub")),
	}
}

// Subscribe registers a subscriber for channels. An empty list receives
// every change.
func (h *Hub) Subscribe(channels []string) *Subscription {
	s := &Subscription{
		channels: slices.Clone(channels),
		ch:       make(chan datatypes.ChannelMessage, h.buffer),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	h.metrics.SubscriberAdded()
	return s
}

// Unsubscribe removes s and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		h.metrics.SubscriberRemoved()
	}
	s.close()
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers e to every matching subscriber and returns how many
// received it.
func (h *Hub) Publish(e docstore.LogEntry) int {
	var delivered int
	var slow []*Subscription

	h.mu.RLock()
	for s := range h.subs {
		channel, ok := s.match(e)
		if !ok {
			continue
		}
		msg := datatypes.ChannelMessage{
			ChangeSequence: datatypes.FormatSequence(e.Sequence),
			UserToken:      e.UserToken,
			Channel:        channel,
			ChangeInfo:     e.Change,
			UserName:       e.UserName,
		}
		select {
		case s.ch <- msg:
			delivered++
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.logger.Warn("dropping slow subscriber",
			slog.Any("channels", s.channels),
			slog.Int64("sequence", e.Sequence),
		)
		h.Unsubscribe(s)
	}
	h.metrics.RecordBroadcast(delivered)
	return delivered
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()
	for s := range subs {
		h.metrics.SubscriberRemoved()
		s.close()
	}
}
