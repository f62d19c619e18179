package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/ptt-transcriber/internal/audio"
	"github.com/skypro1111/ptt-transcriber/internal/stream"
)

// maxWSMessage caps one inbound WebSocket message
const maxWSMessage = 1 << 20

// errNoWSSession is reported for audio or end before this connection began
// a session
var errNoWSSession = errors.New("no session begun on this connection")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message types exchanged on /session/ws
const (
	wsBegin   = "begin"
	wsEnd     = "end"
	wsStarted = "session_started"
	wsPartial = "partial"
	wsResult  = "result"
	wsError   = "error"
)

// wsMessage is a control or event message. Audio travels as binary
// PCM16LE frames.
type wsMessage struct {
	Type       string         `json:"type"`
	Source     string         `json:"source,omitempty"`
	SampleRate int            `json:"sample_rate,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Text       string         `json:"text,omitempty"`
	Result     *stream.Result `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// wsClient is one streaming connection. Replies are written from the read
// loop, so there is only ever one writer.
type wsClient struct {
	h         *HTTPServer
	conn      *websocket.Conn
	logger    *slog.Logger
	source    string
	rate      int
	sessionID string
	lastText  string
}

// handleWebSocket implements GET /session/ws. The query parameters source
// and sample_rate seed the begin message defaults.
func (h *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	rate := 0
	if v := r.URL.Query().Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid sample_rate", http.StatusBadRequest)
			return
		}
		rate = n
	}
	source := r.URL.Query().Get("source")
	if source == "" {
		source = "ws:" + r.RemoteAddr
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	c := &wsClient{
		h:      h,
		conn:   conn,
		logger: h.logger.With(slog.String("remote_addr", r.RemoteAddr)),
		source: source,
		rate:   rate,
	}

	c.logger.Debug("WebSocket client connected")
	c.readLoop()
}

func (c *wsClient) readLoop() {
	defer func() {
		c.release()
		c.conn.Close()
		c.logger.Debug("WebSocket client disconnected")
	}()

	c.conn.SetReadLimit(maxWSMessage)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket read error", slog.String("error", err.Error()))
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.handleAudio(data)
		case websocket.TextMessage:
			c.handleControl(data)
		}
	}
}

func (c *wsClient) handleControl(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("invalid message: " + err.Error())
		return
	}

	switch msg.Type {
	case wsBegin:
		source := c.source
		if msg.Source != "" {
			source = msg.Source
		}
		rate := c.rate
		if msg.SampleRate > 0 {
			rate = msg.SampleRate
		}

		id, err := c.h.controller.Begin(source, rate)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.sessionID = id
		c.lastText = ""
		c.send(wsMessage{Type: wsStarted, SessionID: id, Source: source})

	case wsEnd:
		result, err := c.end(stream.EndReleased)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.send(wsMessage{Type: wsResult, SessionID: result.SessionID, Text: result.Text, Result: result})

	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

func (c *wsClient) handleAudio(data []byte) {
	if c.sessionID == "" {
		c.sendError(errNoWSSession.Error())
		return
	}

	samples, err := audio.PCM16FromBytes(data)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	if err := c.h.controller.PushPCM16(c.sessionID, samples); err != nil {
		if errors.Is(err, stream.ErrNoSession) || errors.Is(err, stream.ErrSessionMismatch) {
			// Ended by the idle check or taken over by another source
			c.sessionID = ""
			c.lastText = ""
		}
		c.sendError(err.Error())
		return
	}

	// Interim transcript as chunks complete
	if text := c.h.controller.Transcript(); text != c.lastText {
		c.lastText = text
		c.send(wsMessage{Type: wsPartial, SessionID: c.sessionID, Text: text})
	}
}

// end finishes the session this client began. Sessions begun elsewhere are
// never touched.
func (c *wsClient) end(reason stream.EndReason) (*stream.Result, error) {
	if c.sessionID == "" {
		return nil, errNoWSSession
	}

	ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()

	id := c.sessionID
	c.sessionID = ""
	c.lastText = ""
	return c.h.controller.End(ctx, id, reason)
}

// release ends the session this client began, if it is still current
func (c *wsClient) release() {
	if c.sessionID == "" {
		return
	}
	_, err := c.end(stream.EndReleased)
	if err != nil && !errors.Is(err, stream.ErrNoSession) && !errors.Is(err, stream.ErrSessionMismatch) {
		c.logger.Warn("Failed to end session on disconnect", slog.String("error", err.Error()))
	}
}

func (c *wsClient) sendError(msg string) {
	c.send(wsMessage{Type: wsError, Error: msg})
}

func (c *wsClient) send(msg wsMessage) {
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug("Failed to write WebSocket message", slog.String("error", err.Error()))
	}
}
