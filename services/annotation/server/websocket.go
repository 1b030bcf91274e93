// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

// HandleWebSocket handles GET /v1/ws.
//
// Description:
//
//	Upgrades to a websocket and streams a ChannelMessage for every change
//	committed on the requested channels. The connection is receive-only;
//	clients submit changes through POST /v1/changes.
//
// Query Parameters:
//
//	channels: Channel names, repeatable or comma-separated. Empty
//	subscribes to every channel.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	logger := h.requestLogger(c, "HandleWebSocket")

	channels := queryList(c, "channels")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	sub := h.hub.Subscribe(channels)
	defer h.hub.Unsubscribe(sub)
	logger.Info("Websocket client subscribed", "channels", channels)

	// The reader only consumes control frames; it ends when the client
	// closes or stops answering pings.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-sub.C():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber fell behind"))
				logger.Warn("Websocket subscription dropped")
				return
			}
			if err := ws.WriteJSON(msg); err != nil {
				logger.Info("Websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			logger.Info("Websocket client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
