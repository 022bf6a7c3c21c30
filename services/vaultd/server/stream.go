package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"vaultchain/services/vaultd/models"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBacklogLimit = 500
)

type streamMessage struct {
	Cursor    string           `json:"cursor"`
	Operation models.Operation `json:"operation"`
}

// handleEventsWS streams an asset's history over a websocket: recorded
// operations after the cursor first, then live ones as they are stored.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	c, err := s.controller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.history == nil || s.feed == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history store not configured"})
		return
	}
	after, err := models.ParseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeError(w, r, inputError("cursor: %v", err))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamOperations(r.Context(), conn, c.Symbol(), after); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamOperations(ctx context.Context, conn *websocket.Conn, asset string, after time.Time) error {
	ctx = conn.CloseRead(ctx)
	// Subscribe before reading the backlog so nothing recorded in between is
	// lost; duplicates are dropped by the cursor.
	updates, cancel := s.feed.Subscribe(asset)
	defer cancel()

	backlog, err := models.Since(ctx, s.history, asset, after, wsBacklogLimit)
	if err != nil {
		return err
	}
	for _, op := range backlog {
		if err := writeOperation(ctx, conn, op); err != nil {
			return err
		}
		after = op.CreatedAt
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op, ok := <-updates:
			if !ok {
				return nil
			}
			if !op.CreatedAt.After(after) {
				continue
			}
			if err := writeOperation(ctx, conn, op); err != nil {
				return err
			}
			after = op.CreatedAt
		}
	}
}

func writeOperation(ctx context.Context, conn *websocket.Conn, op models.Operation) error {
	data, err := json.Marshal(streamMessage{Cursor: op.Cursor(), Operation: op})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
