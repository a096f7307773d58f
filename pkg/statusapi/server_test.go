package statusapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mmu-host/pkg/config"
	"mmu-host/pkg/endstop"
	"mmu-host/pkg/mmu"
	"mmu-host/pkg/motion"
)

const serverConfig = `
[stepper_mmu_selector]
rotation_distance: 40
microsteps: 16
position_min: 0
position_max: 100
position_endstop: 10
endstop_pin: ^PA1
endstop_name: mmu_sel_home
homing_speed: 40

[stepper_mmu_gear]
rotation_distance: 22.7
microsteps: 16
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg, err := config.LoadString(serverConfig)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	pt := mmu.NewPrinterToolhead(nil, 500.0, 5000.0)
	pt.AddExtruder("extruder", motion.NewStepper("extruder", 22.7, 3200))
	reg := endstop.NewRegistry()
	th, err := mmu.NewToolhead(cfg, pt, reg, nil)
	if err != nil {
		t.Fatalf("NewToolhead: %v", err)
	}
	return New(Config{
		Toolhead:     th,
		Registry:     reg,
		PushInterval: 10 * time.Millisecond,
	})
}

func TestStatusEndpoint(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var payload struct {
		Result map[string]interface{} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	for _, key := range []string{"print_time", "position", "selector_homed"} {
		if _, ok := payload.Result[key]; !ok {
			t.Errorf("status missing key %q", key)
		}
	}
}

func TestStatusEndpointRejectsPost(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/status", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST /status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status code = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestRailsEndpoint(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/rails")
	if err != nil {
		t.Fatalf("GET /rails: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	dump := string(body)
	if !strings.Contains(dump, "stepper_mmu_selector") {
		t.Errorf("rail dump missing selector rail:\n%s", dump)
	}
	if !strings.Contains(dump, "stepper_mmu_gear") {
		t.Errorf("rail dump missing gear rail:\n%s", dump)
	}
}

func TestEndstopsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	for _, es := range srv.toolhead.Kinematics().SelectorRail().Endstops() {
		if es.Endstop != nil {
			es.Endstop.SetQueryCallback(func() (bool, error) { return false, nil })
		}
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/endstops")
	if err != nil {
		t.Fatalf("GET /endstops: %v", err)
	}
	defer resp.Body.Close()
	var payload struct {
		Result map[string]string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got := payload.Result["mmu_sel_home"]; got != "open" {
		t.Errorf("mmu_sel_home state = %q, want %q", got, "open")
	}
}

func TestWebSocketStatusPush(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Method string                 `json:"method"`
		Params map[string]interface{} `json:"params"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading websocket message: %v", err)
	}
	if msg.Method != "notify_status_update" {
		t.Errorf("method = %q, want %q", msg.Method, "notify_status_update")
	}
	if _, ok := msg.Params["print_time"]; !ok {
		t.Errorf("push missing print_time: %v", msg.Params)
	}
}
