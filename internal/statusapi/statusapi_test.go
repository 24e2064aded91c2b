package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"midimesh/internal/device"
	"midimesh/internal/nodeid"
	"midimesh/internal/route"
	"midimesh/internal/router"
)

func newTestServer(t *testing.T) (*Server, nodeid.NodeId, *device.Registry, *route.Manager) {
	t.Helper()
	self := nodeid.New()
	devices := device.NewRegistry()
	rules := route.NewManager(devices)
	nodes := nodeid.NewRegistry()
	engine := router.NewEngine(self, devices, rules, nodes, nil)
	s := New(self, "test-version", devices, rules, engine, nil, nil)
	return s, self, devices, rules
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsNodeId(t *testing.T) {
	s, self, _, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.NodeId != self.String() {
		t.Errorf("NodeId = %q, want %q", resp.NodeId, self.String())
	}
}

func TestDevicesListsRegisteredDevices(t *testing.T) {
	s, self, devices, _ := newTestServer(t)
	devices.AddLocal(self, device.Device{ID: 1, Name: "synth-in"})

	rec := doRequest(s, http.MethodGet, "/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []device.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].Name != "synth-in" {
		t.Errorf("devices = %+v", got)
	}
}

func TestRouteAddListRemove(t *testing.T) {
	s, self, devices, rules := newTestServer(t)
	devices.AddLocal(self, device.Device{ID: 1, Name: "in"})
	devices.AddLocal(self, device.Device{ID: 2, Name: "out"})

	addBody := `{"priority":5,"source_device":1,"dest_device":2,"channel_filter":0,"type_mask":0}`
	rec := doRequest(s, http.MethodPost, "/routes", addBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /routes status = %d body=%s", rec.Code, rec.Body.String())
	}
	var created route.Rule
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.RuleID == "" {
		t.Fatal("created rule has no RuleID")
	}

	listRec := doRequest(s, http.MethodGet, "/routes", "")
	var all []route.Rule
	if err := json.Unmarshal(listRec.Body.Bytes(), &all); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("routes = %+v, want 1 entry", all)
	}

	delRec := doRequest(s, http.MethodDelete, "/routes/"+created.RuleID, "")
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", delRec.Code)
	}
	if len(rules.All()) != 0 {
		t.Errorf("rules.All() after delete = %+v, want empty", rules.All())
	}
}

func TestRouteAddRejectsUnknownDevice(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/routes", `{"source_device":1,"dest_device":2}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown devices", rec.Code)
	}
}

func TestStatsResetZeroesRouterCounters(t *testing.T) {
	s, self, devices, _ := newTestServer(t)
	devices.AddLocal(self, device.Device{ID: 1, Name: "in"})
	s.engine.SendMessage(1, []byte{0x90, 0x3C, 0x64})

	statsRec := doRequest(s, http.MethodGet, "/stats", "")
	var before statsResponse
	if err := json.Unmarshal(statsRec.Body.Bytes(), &before); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if before.Router.MessagesSent == 0 {
		t.Fatal("expected a nonzero MessagesSent before reset")
	}

	resetRec := doRequest(s, http.MethodPost, "/stats/reset", "")
	if resetRec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", resetRec.Code)
	}

	afterRec := doRequest(s, http.MethodGet, "/stats", "")
	var after statsResponse
	if err := json.Unmarshal(afterRec.Body.Bytes(), &after); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if after.Router.MessagesSent != 0 {
		t.Errorf("MessagesSent after reset = %d, want 0", after.Router.MessagesSent)
	}
}
