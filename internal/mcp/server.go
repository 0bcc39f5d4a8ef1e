// Package mcp exposes the bot's runtime controls as MCP tools over a
// websocket and provides the client used by voicectl.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-lab/voicemimic/internal/conversation"
	"github.com/discord-voice-lab/voicemimic/internal/logging"
	"github.com/discord-voice-lab/voicemimic/internal/persona"
	"github.com/discord-voice-lab/voicemimic/llm"
)

const (
	ToolStatus       = "status"
	ToolSetMode      = "set_mode"
	ToolSetPersona   = "set_persona"
	ToolSpeak        = "speak"
	ToolClearHistory = "clear_history"
)

// Controller is the part of the orchestrator the control surface drives.
type Controller interface {
	Status() conversation.Status
	SetMode(m conversation.ReplyMode)
	SetPersona(ctx context.Context, name string) (persona.Profile, error)
	Inject(ctx context.Context, text string) error
}

// History is the generation context store.
type History interface {
	Stats(speakerID string) llm.Stats
	Speakers() []string
	ClearHistory(speakerID string)
	Reset()
}

// StatusReport is the JSON body returned by the status tool.
type StatusReport struct {
	conversation.Status
	Personas []string             `json:"personas,omitempty"`
	History  map[string]llm.Stats `json:"history,omitempty"`
}

type setModeArgs struct {
	Mode string `json:"mode" jsonschema:"one of silent, repeat, generate"`
}

type setPersonaArgs struct {
	Persona string `json:"persona" jsonschema:"persona key or name"`
}

type speakArgs struct {
	Text string `json:"text" jsonschema:"text to speak as the active persona"`
}

type clearHistoryArgs struct {
	Speaker string `json:"speaker,omitempty" jsonschema:"speaker id; all speakers when empty"`
}

type Server struct {
	ctrl     Controller
	history  History
	catalog  *persona.Catalog
	impl     *sdk.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*sdk.ServerSession]struct{}
	wg       sync.WaitGroup
}

// NewServer registers the control tools. history and catalog may be nil.
func NewServer(ctrl Controller, history History, catalog *persona.Catalog, version string) *Server {
	s := &Server{
		ctrl:     ctrl,
		history:  history,
		catalog:  catalog,
		impl:     sdk.NewServer(&sdk.Implementation{Name: "voicemimic", Version: version}, nil),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: make(map[*sdk.ServerSession]struct{}),
	}
	sdk.AddTool(s.impl, &sdk.Tool{Name: ToolStatus, Description: "Report mode, persona, pipeline state and per-speaker history"}, s.status)
	sdk.AddTool(s.impl, &sdk.Tool{Name: ToolSetMode, Description: "Switch reply mode"}, s.setMode)
	sdk.AddTool(s.impl, &sdk.Tool{Name: ToolSetPersona, Description: "Switch the active persona"}, s.setPersona)
	sdk.AddTool(s.impl, &sdk.Tool{Name: ToolSpeak, Description: "Speak text in the voice channel as the active persona"}, s.speak)
	sdk.AddTool(s.impl, &sdk.Tool{Name: ToolClearHistory, Description: "Forget conversation history"}, s.clearHistory)
	return s
}

// ServeHTTP upgrades the request and serves one MCP session on it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("mcp: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		session, err := s.impl.Connect(context.Background(), newWebSocketTransport(conn), nil)
		if err != nil {
			logging.Warnw("mcp: session connect failed", "remote", r.RemoteAddr, "err", err)
			_ = conn.Close()
			return
		}
		s.track(session, true)
		defer s.track(session, false)
		logging.Infow("mcp: control session opened", "remote", r.RemoteAddr)
		if err := session.Wait(); err != nil {
			logging.Debugw("mcp: control session ended", "remote", r.RemoteAddr, "err", err)
			return
		}
		logging.Infow("mcp: control session closed", "remote", r.RemoteAddr)
	}()
}

func (s *Server) track(sess *sdk.ServerSession, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.sessions[sess] = struct{}{}
		return
	}
	delete(s.sessions, sess)
}

// Close ends every open session and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	for sess := range s.sessions {
		_ = sess.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func textResult(text string) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}
}

func errorResult(err error) *sdk.CallToolResult {
	res := textResult(err.Error())
	res.IsError = true
	return res
}

func jsonResult(v any) *sdk.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return errorResult(err)
	}
	return textResult(string(b))
}

func (s *Server) status(ctx context.Context, _ *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, any, error) {
	report := StatusReport{Status: s.ctrl.Status()}
	if s.catalog != nil {
		report.Personas = s.catalog.Keys()
	}
	if s.history != nil {
		report.History = make(map[string]llm.Stats)
		for _, id := range s.history.Speakers() {
			report.History[id] = s.history.Stats(id)
		}
	}
	return jsonResult(report), nil, nil
}

func (s *Server) setMode(ctx context.Context, _ *sdk.CallToolRequest, args setModeArgs) (*sdk.CallToolResult, any, error) {
	m, err := conversation.ParseReplyMode(args.Mode)
	if err != nil || args.Mode == "" {
		return errorResult(fmt.Errorf("unknown mode %q", args.Mode)), nil, nil
	}
	s.ctrl.SetMode(m)
	return textResult("mode set to " + m.String()), nil, nil
}

func (s *Server) setPersona(ctx context.Context, _ *sdk.CallToolRequest, args setPersonaArgs) (*sdk.CallToolResult, any, error) {
	p, err := s.ctrl.SetPersona(ctx, args.Persona)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return textResult(fmt.Sprintf("persona set to %s (%s)", p.Key, p.Nickname())), nil, nil
}

func (s *Server) speak(ctx context.Context, _ *sdk.CallToolRequest, args speakArgs) (*sdk.CallToolResult, any, error) {
	if err := s.ctrl.Inject(ctx, args.Text); err != nil {
		return errorResult(err), nil, nil
	}
	return textResult("spoken"), nil, nil
}

func (s *Server) clearHistory(ctx context.Context, _ *sdk.CallToolRequest, args clearHistoryArgs) (*sdk.CallToolResult, any, error) {
	if s.history == nil {
		return errorResult(fmt.Errorf("history not available in this mode")), nil, nil
	}
	if args.Speaker == "" {
		s.history.Reset()
		return textResult("history cleared for all speakers"), nil, nil
	}
	s.history.ClearHistory(args.Speaker)
	return textResult("history cleared for " + args.Speaker), nil, nil
}
