package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/scriptforge/internal/agent"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // deployed behind a trusted proxy
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
	Args    any    `json:"args,omitempty"`
}

// handleWebSocket streams agent runs. Provider, model and profile are taken
// from the query string; each message starts a fresh run.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.NewAgent == nil {
		writeError(w, http.StatusServiceUnavailable, "agent is not configured")
		return
	}

	q := r.URL.Query()
	opts := AgentOptions{
		Provider: q.Get("provider"),
		Model:    q.Get("model"),
		Profile:  q.Get("profile"),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var wsMu sync.Mutex
	send := func(msg wsOutgoing) {
		wsMu.Lock()
		defer wsMu.Unlock()
		s.wsWriteJSON(conn, msg)
	}

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		if msg.Type != "message" || msg.Content == "" {
			send(wsOutgoing{Type: "error", Content: "invalid message"})
			continue
		}

		a, err := s.deps.NewAgent(r.Context(), opts)
		if err != nil {
			send(wsOutgoing{Type: "error", Content: "initializing agent: " + err.Error()})
			continue
		}
		s.streamAgent(a, msg.Content, send)
	}
}

func (s *Server) streamAgent(a *agent.Agent, request string, send func(wsOutgoing)) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	applyCallbacks(a, send)

	response, err := a.RunStreaming(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			send(wsOutgoing{Type: "error", Content: "interrupted"})
		} else {
			send(wsOutgoing{Type: "error", Content: err.Error()})
		}
		return
	}
	send(wsOutgoing{Type: "done", Content: response})
}

func applyCallbacks(a *agent.Agent, send func(wsOutgoing)) {
	a.OnTextDelta = func(delta string) {
		send(wsOutgoing{Type: "text_delta", Content: delta})
	}
	a.OnToolCall = func(name string, args map[string]any) {
		send(wsOutgoing{Type: "tool_call", Name: name, Args: args})
	}
	a.OnToolResult = func(name string, result string) {
		send(wsOutgoing{Type: "tool_result", Name: name, Content: result})
	}
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("websocket marshal failed", "error", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
	}
}
