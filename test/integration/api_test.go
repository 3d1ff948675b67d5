//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gomailzero/fredag/internal/api"
	"github.com/gomailzero/fredag/internal/crypto"
	"github.com/gomailzero/fredag/internal/rules"
)

// TestAPIArchiveAndStatus 通过管理 API 触发归档并读取状态
func TestAPIArchiveAndStatus(t *testing.T) {
	e := newEnv(t, "")
	e.saveRules(t, rules.Group{Name: "Kunde", TargetDir: e.dir + "/arkiv", Senders: []string{"@kunde.no"}})
	e.deliver(t, "", "", "ola@kunde.no", "Faktura", time.Now().Add(-time.Hour), map[string][]byte{"a.pdf": []byte("a")})

	key, err := crypto.GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	hash, err := crypto.HashAPIKey(key)
	if err != nil {
		t.Fatal(err)
	}

	server := api.NewServer(&api.Config{
		APIKeyHash:   hash,
		Jobs:         e.runner,
		RulesFile:    e.cfg.State.RulesFile,
		SettingsFile: e.cfg.State.SettingsFile,
		FromDays:     7,
	})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	call := func(method, path string) (int, map[string]interface{}) {
		t.Helper()
		req, err := http.NewRequest(method, ts.URL+path, nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("X-API-Key", key)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()
		var body map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return resp.StatusCode, body
	}

	status, body := call(http.MethodPost, "/api/v1/archive")
	if status != http.StatusOK {
		t.Fatalf("POST /archive status = %d, body = %v", status, body)
	}
	totals := body["totals"].(map[string]interface{})
	if totals["saved"] != float64(1) {
		t.Errorf("totals = %v", totals)
	}

	status, body = call(http.MethodGet, "/api/v1/status")
	if status != http.StatusOK {
		t.Fatalf("GET /status status = %d", status)
	}
	if body["ledger_entries"] != float64(1) || body["last_archive"] == nil {
		t.Errorf("status = %v", body)
	}

	status, body = call(http.MethodPost, "/api/v1/retention?dry_run=true")
	if status != http.StatusOK {
		t.Errorf("POST /retention status = %d, body = %v", status, body)
	}
}
