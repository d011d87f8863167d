package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/freshell/freshell/internal/terminal"
)

func getJSON(t *testing.T, url, token string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestREST_RequiresToken(t *testing.T) {
	ts := newTestServer(t, terminal.RegistryOptions{}, Options{Token: testToken})

	if code := getJSON(t, ts.URL+"/api/v1/terminals", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", code)
	}
	if code := getJSON(t, ts.URL+"/api/v1/terminals", testToken, nil); code != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", code)
	}
}

func TestREST_ListAndGetTerminals(t *testing.T) {
	ts := newTestServer(t, terminal.RegistryOptions{}, Options{Token: testToken})
	rec, err := ts.registry.Create(terminal.CreateOptions{Mode: terminal.ModeDefault})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer rec.Kill()

	var list struct {
		Terminals []terminal.Info `json:"terminals"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/terminals", testToken, &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(list.Terminals) != 1 || list.Terminals[0].TerminalID != rec.ID {
		t.Fatalf("list = %+v, want one entry for %s", list.Terminals, rec.ID)
	}

	var info terminal.Info
	if code := getJSON(t, ts.URL+"/api/v1/terminals/"+rec.ID, testToken, &info); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if info.Status != terminal.StatusRunning {
		t.Fatalf("status = %q, want running", info.Status)
	}

	if code := getJSON(t, ts.URL+"/api/v1/terminals/nope", testToken, nil); code != http.StatusNotFound {
		t.Fatalf("unknown terminal status = %d, want 404", code)
	}
}

func TestREST_ScrollbackSurvivesExit(t *testing.T) {
	ts := newTestServer(t, terminal.RegistryOptions{}, Options{Token: testToken})
	rec, err := ts.registry.Create(terminal.CreateOptions{Mode: terminal.ModeDefault})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ts.registry.Input(rec.ID, []byte("proof\r"))
	waitUntil(t, 5*time.Second, func() bool {
		data, _ := rec.ScrollbackSnapshot()
		return strings.Contains(data, "proof")
	})

	ts.registry.Kill(rec.ID)
	waitUntil(t, 5*time.Second, func() bool { return rec.Status() != terminal.StatusRunning })

	var body struct {
		TerminalID string `json:"terminalId"`
		Data       string `json:"data"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/terminals/"+rec.ID+"/scrollback", testToken, &body); code != http.StatusOK {
		t.Fatalf("scrollback status = %d", code)
	}
	if !strings.Contains(body.Data, "proof") {
		t.Fatalf("scrollback %q missing captured output", body.Data)
	}
}
