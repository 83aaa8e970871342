// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/djtoggle/services/mixer"
	"github.com/AleutianAI/djtoggle/services/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// StreamMessage is pushed to stream clients on connect and after every
// change. Audio clients play Pattern while Playing is true.
type StreamMessage struct {
	Type string `json:"type"`
	mixer.View
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// Stream upgrades to a WebSocket and pushes the mixer state until the
// client goes away. Client messages are read and discarded.
func Stream(m Mixer, metrics *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		ctx := c.Request.Context()
		metrics.AddStreamSubscribers(ctx, 1)
		defer metrics.AddStreamSubscribers(ctx, -1)

		changes, unsubscribe := m.Changes()
		defer unsubscribe()

		closed := make(chan struct{})
		go readUntilClosed(ws, closed)

		slog.Info("stream client connected", "remote", c.Request.RemoteAddr)
		if err := writeState(ws, m); err != nil {
			return
		}

		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-closed:
				slog.Info("stream client disconnected", "remote", c.Request.RemoteAddr)
				return
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				if err := writeState(ws, m); err != nil {
					return
				}
			case <-ping.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}
}

func writeState(ws *websocket.Conn, m Mixer) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := ws.WriteJSON(StreamMessage{Type: "state", View: m.Snapshot()})
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// readUntilClosed drains client frames so control frames are processed,
// and closes done when the connection fails.
func readUntilClosed(ws *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
