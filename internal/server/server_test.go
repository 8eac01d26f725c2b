package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/oddslive/relay/internal/game"
	"github.com/oddslive/relay/internal/poll"
	"github.com/oddslive/relay/internal/registry"
	"github.com/oddslive/relay/internal/ws"
)

type staticState struct{}

func (staticState) InitialState(gameIDs []string) []game.Snapshot {
	out := make([]game.Snapshot, 0, len(gameIDs))
	for _, id := range gameIDs {
		out = append(out, game.Snapshot{ID: id})
	}
	return out
}

func newTestRouter() http.Handler {
	logger := zap.NewNop()
	reg := registry.New(logger)
	wsHandler := ws.NewHandler(reg, staticState{}, logger)
	pollHandlers := poll.NewHandlers(reg, staticState{}, poll.Config{
		Wait:        50 * time.Millisecond,
		MailboxSize: 8,
		IdleHorizon: time.Minute,
	}, logger)
	return NewRouter(wsHandler, pollHandlers, logger)
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(newTestRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestMetricsExposed(t *testing.T) {
	srv := httptest.NewServer(newTestRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestInitialRouteWired(t *testing.T) {
	srv := httptest.NewServer(newTestRouter())
	defer srv.Close()

	body := strings.NewReader(`{"type":"initial","gameIds":["game1"]}`)
	resp, err := http.Post(srv.URL+"/v1/initial", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("initial status = %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := httptest.NewServer(newTestRouter())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/v1/poll", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
}
