package pilot

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/dompilot/fault"
)

var testImpl = &mcp.Implementation{Name: "dompilot-test", Version: "0.1.0"}

func mcpSession(t *testing.T, p *Pilot) *mcp.ClientSession {
	t.Helper()
	srv := p.NewMCPServer()
	serverT, clientT := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx, serverT)
	}()

	cs, err := mcp.NewClient(testImpl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		cancel()
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() {
		cs.Close()
		cancel()
		<-done
	})
	return cs
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args any) (Envelope, bool) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, res.Content[0])
	}
	var env Envelope
	if err := json.Unmarshal([]byte(tc.Text), &env); err != nil {
		t.Fatalf("CallTool(%s): decode %q: %v", name, tc.Text, err)
	}
	return env, res.IsError
}

func TestMCP_ListTools(t *testing.T) {
	cs := mcpSession(t, testPilot(t, nil))
	res, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"dompilot_open_session", "dompilot_close_session", "dompilot_perceive", "dompilot_resolve",
		"dompilot_execute_action", "dompilot_session_health", "dompilot_system_health", "dompilot_events",
	} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestMCP_SessionRoundTrip(t *testing.T) {
	cs := mcpSession(t, testPilot(t, nil))

	env, isErr := callTool(t, cs, "dompilot_open_session", map[string]any{})
	if isErr || !env.OK {
		t.Fatalf("open = %+v", env.Error)
	}
	var h struct {
		ID string `json:"session_id"`
	}
	if err := json.Unmarshal(env.Data, &h); err != nil || h.ID == "" {
		t.Fatalf("handle = %s", env.Data)
	}

	env, isErr = callTool(t, cs, "dompilot_perceive", map[string]any{"session_id": h.ID, "tier": "quick", "url": loginURL})
	if isErr || !env.OK {
		t.Fatalf("perceive = %+v", env.Error)
	}

	env, isErr = callTool(t, cs, "dompilot_execute_action", map[string]any{
		"session_id": h.ID,
		"type":       "type",
		"target":     "username field",
		"params":     map[string]any{"text": "bob"},
		"verify":     true,
	})
	if isErr || !env.OK || !strings.Contains(string(env.Data), `"success":true`) {
		t.Fatalf("execute = %s %+v", env.Data, env.Error)
	}

	env, isErr = callTool(t, cs, "dompilot_session_health", map[string]any{"session_id": "ses_unknown"})
	if !isErr || env.OK || env.Error.Code != fault.SessionNotFound {
		t.Errorf("unknown session = %+v (isError=%v)", env, isErr)
	}
}

func TestHTTP_Routes(t *testing.T) {
	p := testPilot(t, nil)
	srv := httptest.NewServer(p.HTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var h SystemHealth
	json.NewDecoder(resp.Body).Decode(&h)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || h.Status != "ok" {
		t.Errorf("healthz = %d %+v", resp.StatusCode, h)
	}

	resp, err = http.Post(srv.URL+"/v1/open_session", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var env Envelope
	json.NewDecoder(resp.Body).Decode(&env)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !env.OK {
		t.Fatalf("open_session = %d %+v", resp.StatusCode, env)
	}

	resp, err = http.Post(srv.URL+"/v1/session_health", "application/json", strings.NewReader(`{"session_id":"ses_missing"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session status = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/warp", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown op status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "dompilot_sessions_active 1") {
		t.Errorf("metrics missing sessions gauge:\n%.400s", body)
	}
}

func TestEnvelopeStatus(t *testing.T) {
	tests := []struct {
		code fault.Code
		want int
	}{
		{fault.InvalidRequest, http.StatusBadRequest},
		{fault.SessionNotFound, http.StatusNotFound},
		{fault.ResourceExhausted, http.StatusTooManyRequests},
		{fault.Timeout, http.StatusGatewayTimeout},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := envelopeStatus(Envelope{Error: &EnvelopeError{Code: tt.code}}); got != tt.want {
			t.Errorf("status(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
	if got := envelopeStatus(Envelope{OK: true}); got != http.StatusOK {
		t.Errorf("ok status = %d", got)
	}
}
