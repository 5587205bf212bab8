package intercept

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cavefire/cn360-proxy/internal/store"
)

type fakeBridge struct {
	remoteHost string
	remotePort int
	productID  uint32
	pushKey    string
	sessionID  string
	serial     string
	origin     string
	data       map[string]interface{}
}

func (f *fakeBridge) SetRemoteServer(host string, port int) { f.remoteHost, f.remotePort = host, port }
func (f *fakeBridge) SetProductID(id uint32)                { f.productID = id }
func (f *fakeBridge) SetPushKey(key string)                 { f.pushKey = key }
func (f *fakeBridge) SetSessionID(sid string)                { f.sessionID = sid }
func (f *fakeBridge) SetSerial(sn string)                   { f.serial = sn }
func (f *fakeBridge) PushHookUpdate(origin string, data map[string]interface{}) {
	f.origin, f.data = origin, data
}

func newTestHooks(t *testing.T, fb *fakeBridge) *Hooks {
	t.Helper()
	cfg := Config{
		LocalProxyIP: "192.168.0.254",
		RobotPort:    80,
		CacheStatic:  true,
		DataPath:     t.TempDir(),
		BlockUpdate:  true,
		MapIntv:      1,
		PathIntv:     1,
		StatusIntv:   1,
	}
	return New(fb, store.New(t.TempDir()), cfg, nil, nil)
}

func newResponse(body string) *http.Response {
	return &http.Response{
		Body:   io.NopCloser(strings.NewReader(body)),
		Header: make(http.Header),
	}
}

// TestListRewrite covers scenario S1.
func TestListRewrite(t *testing.T) {
	fb := &fakeBridge{}
	h := newTestHooks(t, fb)

	req := httptest.NewRequest("GET", "http://robot.local/list/get?product=60008", nil)
	resp := newResponse("1.2.3.4:9999\n5.6.7.8:9999")

	out := h.handleIPResponse(req, resp)

	if fb.remoteHost != "1.2.3.4" || fb.remotePort != 9999 {
		t.Errorf("remote = %s:%d, want 1.2.3.4:9999", fb.remoteHost, fb.remotePort)
	}

	body, _ := io.ReadAll(out.Body)
	want := "192.168.0.254:80\n192.168.0.254:80"
	if string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if out.Header.Get("Content-Length") != "33" {
		t.Errorf("Content-Length = %s, want 33", out.Header.Get("Content-Length"))
	}
}

// TestUpdateBlock covers scenario S2.
func TestUpdateBlock(t *testing.T) {
	fb := &fakeBridge{}
	dataDir := t.TempDir()
	cfg := Config{BlockUpdate: true}
	h := New(fb, store.New(dataDir), cfg, nil, nil)

	original := `{"result":{"hasNew":1,"version":"9.9"}}`
	resp := newResponse(original)

	out := h.handleUpdateResponse(resp)

	body, _ := io.ReadAll(out.Body)
	if string(body) != updateResponseBody {
		t.Errorf("body = %q, want the fixed block response", body)
	}

	captured, err := os.ReadFile(filepath.Join(dataDir, "update.json"))
	if err != nil {
		t.Fatalf("reading captured update.json: %v", err)
	}
	if string(captured) != original {
		t.Errorf("captured update.json = %q, want original body %q", captured, original)
	}
}

// TestSyncRewrite covers scenario S5.
func TestSyncRewrite(t *testing.T) {
	fb := &fakeBridge{}
	h := newTestHooks(t, fb)

	body := `{"errno":0,"data":{"setting":"{\"mapIntv\":10,\"pathIntv\":10,\"statusIntv\":10,\"foo\":true}"}}`
	resp := newResponse(body)

	out := h.handleSyncResponse(resp)

	raw, _ := io.ReadAll(out.Body)
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if _, ok := data["errno"]; ok {
		t.Errorf("response still carries the errno envelope, want only the inner data object")
	}
	var settings map[string]interface{}
	if err := json.Unmarshal([]byte(data["setting"].(string)), &settings); err != nil {
		t.Fatalf("setting is not valid JSON: %v", err)
	}
	for _, k := range []string{"mapIntv", "pathIntv", "statusIntv"} {
		if settings[k] != float64(1) {
			t.Errorf("settings[%s] = %v, want 1", k, settings[k])
		}
	}
	if settings["foo"] != true {
		t.Errorf("settings[foo] = %v, want true (preserved)", settings["foo"])
	}
}

// TestMaterialStatusPercent covers the reportMaterialStatus percentage
// calculation.
func TestMaterialStatusPercent(t *testing.T) {
	fb := &fakeBridge{}
	h := newTestHooks(t, fb)

	form := "filterTotal=100&filterConsume=25&mainBrushTotal=200&mainBrushConsume=50" +
		"&sideBrushTotal=80&sideBrushConsume=20&sensorTotal=40&sensorConsume=10"
	req := httptest.NewRequest("POST", "http://robot.local/clean/dev/reportMaterialStatus", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	h.handleMaterialStatusRequest(req)

	if fb.origin != "robot" {
		t.Errorf("origin = %s, want robot", fb.origin)
	}
	ms, ok := fb.data["materialStatus"].(map[string]interface{})
	if !ok {
		t.Fatalf("materialStatus missing or wrong type: %#v", fb.data["materialStatus"])
	}
	percent := ms["percent"].(map[string]interface{})
	if percent["filter"] != 0.25 {
		t.Errorf("percent.filter = %v, want 0.25", percent["filter"])
	}
	if percent["mainBrush"] != 0.25 {
		t.Errorf("percent.mainBrush = %v, want 0.25", percent["mainBrush"])
	}
	if percent["sideBrush"] != 0.25 {
		t.Errorf("percent.sideBrush = %v, want 0.25", percent["sideBrush"])
	}
	if percent["sensor"] != 0.25 {
		t.Errorf("percent.sensor = %v, want 0.25", percent["sensor"])
	}
}

// TestRegisterCapturesPushKey covers /clean/dev/register response
// handling.
func TestRegisterCapturesPushKey(t *testing.T) {
	fb := &fakeBridge{}
	h := newTestHooks(t, fb)

	resp := newResponse(`{"errno":0,"data":{"pushKey":"abc123","sid":"sess-1"}}`)
	h.handleRegisterResponse(resp)

	if fb.pushKey != "abc123" {
		t.Errorf("pushKey = %q, want abc123", fb.pushKey)
	}
	if fb.sessionID != "sess-1" {
		t.Errorf("sessionID = %q, want sess-1", fb.sessionID)
	}
}

func TestRegisterIgnoresNonZeroErrno(t *testing.T) {
	fb := &fakeBridge{}
	h := newTestHooks(t, fb)

	resp := newResponse(`{"errno":1,"msg":"bad device"}`)
	h.handleRegisterResponse(resp)

	if fb.pushKey != "" {
		t.Errorf("pushKey = %q, want empty on register failure", fb.pushKey)
	}
}
