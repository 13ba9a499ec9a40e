package liveserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pricestream/internal/bridge"
	"pricestream/internal/core"
	apperrors "pricestream/pkg/errors"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	closeGrace = time.Second
)

// terminal reports whether err should be surfaced to the client as an error
// event. Local closes and idle timeouts end the stream silently.
func terminal(err error) bool {
	return err != nil && !errors.Is(err, apperrors.ErrConnectionClosed)
}

// writeSSE writes one event. An empty event name sends a default message.
func writeSSE(w io.Writer, event string, data []byte) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(string(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// handleSSE streams price updates as server-sent events
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	release, ok := s.admit(w, r, "sse")
	if !ok {
		return
	}
	defer release()

	conn, err := s.feed.Connect()
	if err != nil {
		s.logger.Warn("Failed to open downstream connection", "error", err)
		http.Error(w, "Price feed unavailable", http.StatusServiceUnavailable)
		return
	}
	defer conn.Close()

	log := s.logger.WithFields(map[string]interface{}{
		"connection_id": conn.ID(),
		"remote_addr":   r.RemoteAddr,
		"transport":     "sse",
	})
	log.Info("Client connected")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	// write sends one event and flushes it within the write timeout
	write := func(event string, data []byte) error {
		_ = rc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := writeSSE(w, event, data); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.WriteHeader(http.StatusOK)
	_ = rc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := rc.Flush(); err != nil {
		log.Debug("SSE flush failed", "error", err)
		return
	}

	send := func(dto core.PriceUpdateDTO) bool {
		data, err := json.Marshal(dto)
		if err != nil {
			return false
		}
		if err := write("", data); err != nil {
			log.Debug("SSE write failed", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-r.Context().Done():
			log.Info("Client disconnected")
			return

		case dto := <-conn.Events():
			if !send(dto) {
				return
			}

		case <-conn.Done():
			drain(conn, send)
			if err := conn.Err(); terminal(err) {
				_ = write("error", []byte(err.Error()))
			}
			log.Info("Downstream connection ended", "reason", fmt.Sprint(conn.Err()))
			return
		}
	}
}

// drain delivers events buffered before the connection ended
func drain(conn *bridge.Connection, send func(core.PriceUpdateDTO) bool) {
	for {
		select {
		case dto := <-conn.Events():
			if !send(dto) {
				return
			}
		default:
			return
		}
	}
}

// wsError is the frame sent when the upstream feed fails
type wsError struct {
	Error string `json:"error"`
}

// handleWebSocket streams the same DTOs over a WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Limits apply before upgrade resource consumption
	release, ok := s.admit(w, r, "ws")
	if !ok {
		return
	}
	defer release()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	conn, err := s.feed.Connect()
	if err != nil {
		s.logger.Warn("Failed to open downstream connection", "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "price feed unavailable"),
			time.Now().Add(s.cfg.WriteTimeout))
		return
	}
	defer conn.Close()

	log := s.logger.WithFields(map[string]interface{}{
		"connection_id": conn.ID(),
		"remote_addr":   r.RemoteAddr,
		"transport":     "ws",
	})
	log.Info("Client connected")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readPump(ws, log)
	}()

	s.writePump(ws, conn, readDone, log)
	log.Info("Client disconnected")
}

// writePump sends downstream events until the client or the connection goes away
func (s *Server) writePump(ws *websocket.Conn, conn *bridge.Connection, readDone <-chan struct{}, log core.ILogger) {
	ticker := time.NewTicker(s.cfg.WritePingInterval)
	defer ticker.Stop()

	send := func(dto core.PriceUpdateDTO) bool {
		_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := ws.WriteJSON(dto); err != nil {
			log.Warn("Write error", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-readDone:
			return

		case dto := <-conn.Events():
			if !send(dto) {
				return
			}

		case <-conn.Done():
			drain(conn, send)
			code, text := websocket.CloseNormalClosure, ""
			if err := conn.Err(); terminal(err) {
				_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				_ = ws.WriteJSON(wsError{Error: err.Error()})
				code, text = websocket.CloseInternalServerErr, "upstream terminated"
			}
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(s.cfg.WriteTimeout))
			// give the client a moment to answer the close frame
			select {
			case <-readDone:
			case <-time.After(closeGrace):
			}
			return

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles pong responses. Client messages are ignored.
func (s *Server) readPump(ws *websocket.Conn, log core.ILogger) {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("Read error", "error", err)
			}
			return
		}
	}
}
