package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"cuemesh/internal/cue"
	"cuemesh/internal/protocol"
	"cuemesh/internal/session"
	"cuemesh/internal/trust"
)

func newTestServer(t *testing.T) (*Server, *session.Manager) {
	t.Helper()
	st, err := trust.Open(filepath.Join(t.TempDir(), "trust.db"))
	if err != nil {
		t.Fatalf("trust.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mgr := session.NewManager(st, session.Events{})
	return New("coord-test", mgr), mgr
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthReportsCoordinatorID(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body["coordinator_id"] != "coord-test" {
		t.Fatalf("coordinator_id = %v, want coord-test", body["coordinator_id"])
	}
}

func TestHandleAcceptSessionRoundTrip(t *testing.T) {
	srv, mgr := newTestServer(t)
	mgr.HandleHello(context.Background(), "coord-test", protocol.HelloPayload{AgentID: "agent-1", Hostname: "h1"})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/agent-1/accept", acceptRequest{AssignedName: "Stage Left"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	sess, ok := mgr.Get("agent-1")
	if !ok {
		t.Fatalf("session not found after accept")
	}
	if sess.Status() != session.StatusAccepted {
		t.Fatalf("status = %v, want accepted", sess.Status())
	}
}

func TestHandleAcceptUnknownSessionReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/ghost/accept", acceptRequest{AssignedName: "x"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleLoadCueRequiresLoadedShow(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/cues/load", cueIDRequest{CueID: "c1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 with no show loaded", rec.Code)
	}
}

func TestHandlePlayCueReturnsMasterStart(t *testing.T) {
	srv, mgr := newTestServer(t)
	show := &cue.Show{
		Title: "Test Show",
		Sync:  cue.DefaultSyncConfig(),
		Cues: []cue.Cue{
			{ID: "c1", Type: "video", File: "intro.mp4", StartTimeMs: 0, Volume: 100},
		},
	}
	srv.SetShow(show)
	mgr.HandleHello(context.Background(), "coord-test", protocol.HelloPayload{AgentID: "agent-1"})
	if _, err := mgr.Accept(context.Background(), "agent-1", "Stage Left"); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/cues/play", cueIDRequest{CueID: "c1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp playCueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.CueID != "c1" {
		t.Fatalf("CueID = %q, want c1", resp.CueID)
	}
	if resp.MasterStartUtcMs <= 0 {
		t.Fatalf("MasterStartUtcMs = %d, want positive", resp.MasterStartUtcMs)
	}
}

func TestHandleBlackoutToggle(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/blackout", blackoutRequest{On: true})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}
