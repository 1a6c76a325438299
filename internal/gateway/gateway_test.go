package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/ledger"
	"github.com/kwrelay/kwrelay/modules/store/sqlite"
)

const testToken = "secret-token"

func newTestServer(t *testing.T) (*httptest.Server, *sqlite.Store, *ledger.Ledger, *Hub) {
	t.Helper()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if err := st.PutAccount(ctx, event.SenderAccount{ID: "a", State: event.AccountActive}); err != nil {
		t.Fatalf("put account: %v", err)
	}

	led := ledger.New(ledger.Config{}, st, nil)
	if err := led.Load(ctx); err != nil {
		t.Fatalf("load ledger: %v", err)
	}

	hub := NewHub()
	gw := New(Config{AuthToken: testToken}, st, led, hub, nil, nil)

	srv := httptest.NewServer(gw.buildRouter())
	t.Cleanup(srv.Close)
	return srv, st, led, hub
}

func get(t *testing.T, srv *httptest.Server, path string, auth bool) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func seedEvent(t *testing.T, st *sqlite.Store, userID int64, tag string) int64 {
	t.Helper()

	id, err := st.RecordEvent(context.Background(), event.TargetEvent{
		SourceChatID: -100,
		SourceUserID: userID,
		Username:     "@u",
		RawText:      "tutoring",
		MatchedTags:  []string{"tutoring"},
		SourceTag:    tag,
		DetectedAt:   time.Date(2025, 6, 1, 12, 0, int(userID), 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return id
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t)

	if resp := get(t, srv, "/api/events", false); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
	if resp := get(t, srv, "/api/events", true); resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}
	// Health stays public.
	if resp := get(t, srv, "/health", false); resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestListEventsFilter(t *testing.T) {
	t.Parallel()

	srv, st, _, _ := newTestServer(t)
	seedEvent(t, st, 1, "uni-a")
	seedEvent(t, st, 2, "uni-b")

	resp := get(t, srv, "/api/events?tag=uni-b", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var events []event.TargetEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].SourceTag != "uni-b" {
		t.Errorf("events = %+v, want single uni-b", events)
	}

	if resp := get(t, srv, "/api/events?status=bogus", true); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d, want 400", resp.StatusCode)
	}
}

func TestOverrideStatusAndNote(t *testing.T) {
	t.Parallel()

	srv, st, _, _ := newTestServer(t)
	id := seedEvent(t, st, 1, "uni-a")

	resp := post(t, srv, "/api/events/1/status", `{"status":"failed_permanent"}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("override status = %d, want 204", resp.StatusCode)
	}

	if resp := post(t, srv, "/api/events/1/status", `{"status":"nope"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid status = %d, want 400", resp.StatusCode)
	}
	if resp := post(t, srv, "/api/events/999/status", `{"status":"new"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing event = %d, want 404", resp.StatusCode)
	}

	if resp := post(t, srv, "/api/events/1/note", `{"note":"checked manually"}`); resp.StatusCode != http.StatusNoContent {
		t.Errorf("set note = %d, want 204", resp.StatusCode)
	}

	got, err := st.GetEvent(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != event.StatusFailedPermanent {
		t.Errorf("Status = %s, want failed_permanent", got.Status)
	}
	if got.Note != "checked manually" {
		t.Errorf("Note = %q", got.Note)
	}
}

func TestSuspendReactivate(t *testing.T) {
	t.Parallel()

	srv, _, led, _ := newTestServer(t)

	if resp := post(t, srv, "/api/accounts/a/suspend", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("suspend = %d, want 204", resp.StatusCode)
	}
	if a, _ := led.Get("a"); a.State != event.AccountSuspended {
		t.Errorf("state = %s, want suspended", a.State)
	}

	if resp := post(t, srv, "/api/accounts/a/reactivate", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reactivate = %d, want 204", resp.StatusCode)
	}
	if a, _ := led.Get("a"); a.State != event.AccountActive {
		t.Errorf("state = %s, want active", a.State)
	}

	if resp := post(t, srv, "/api/accounts/ghost/suspend", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing account = %d, want 404", resp.StatusCode)
	}
}

func TestExportCSV(t *testing.T) {
	t.Parallel()

	srv, st, _, _ := newTestServer(t)
	seedEvent(t, st, 1, "uni-a")

	resp := get(t, srv, "/api/export/events.csv", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q, want text/csv", ct)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(buf.String(), "source_tag") || !strings.Contains(buf.String(), "uni-a") {
		t.Errorf("csv body = %q", buf.String())
	}
}

func TestEventFeed(t *testing.T) {
	t.Parallel()

	srv, _, _, hub := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// The handler registers its subscription just after the handshake;
	// republish until the read side picks it up.
	go func() {
		for ctx.Err() == nil {
			hub.Publish(event.TargetEvent{ID: 42, Username: "@u", Status: event.StatusNew})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	var got event.TargetEvent
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != 42 || got.Username != "@u" {
		t.Errorf("received %+v", got)
	}
}
