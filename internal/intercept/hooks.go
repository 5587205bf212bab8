// Package intercept hosts the HTTP request/response hooks that rewrite
// register/sync/list/update traffic and feed decoded state into the
// bridge. It sits on top of github.com/elazarl/goproxy, the external
// HTTPS-interception collaborator; hook bodies are grounded on
// original_source/python/HttpHandler.py.
package intercept

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/elazarl/goproxy"
	logging "github.com/op/go-logging"

	"github.com/cavefire/cn360-proxy/internal/store"
)

var log = logging.MustGetLogger("intercept")

// HookError wraps an unparseable HTTP body encountered in a hook.
type HookError struct {
	Path string
	Err  error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("intercept: %s: %v", e.Path, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// BridgeSink is the subset of *bridge.Bridge the hooks push state into.
// Declared as an interface so hook tests can use a fake.
type BridgeSink interface {
	SetRemoteServer(host string, port int)
	SetProductID(id uint32)
	SetPushKey(key string)
	SetSessionID(sid string)
	SetSerial(sn string)
	PushHookUpdate(origin string, data map[string]interface{})
}

// Config carries the interception layer's environment-derived toggles.
type Config struct {
	LocalProxyIP string
	RobotPort    int
	CacheStatic  bool
	DataPath     string
	BlockUpdate  bool
	MapIntv      int
	PathIntv     int
	StatusIntv   int
}

// Hooks implements the request/response rewrite rules of spec.md §4.5,
// including static-asset caching, and the CA-serving supplement of
// SPEC_FULL.md §10.
type Hooks struct {
	bridge  BridgeSink
	store   *store.Store
	cfg     Config
	caCert  *tls.Certificate
	caBytes []byte
}

// New builds a Hooks instance. caCert may be nil, in which case CONNECT
// requests are tunnelled opaquely instead of MITM'd.
func New(bridge BridgeSink, st *store.Store, cfg Config, caCert *tls.Certificate, caPEM []byte) *Hooks {
	return &Hooks{bridge: bridge, store: st, cfg: cfg, caCert: caCert, caBytes: caPEM}
}

// Register wires the hooks onto proxy, including CONNECT MITM handling
// when a CA certificate was supplied.
func (h *Hooks) Register(proxy *goproxy.ProxyHttpServer) {
	if h.caCert != nil {
		tlsFromCA := goproxy.TLSConfigFromCA(h.caCert)
		proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(
			func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
				return &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: tlsFromCA}, host
			},
		))
	}

	proxy.OnRequest().DoFunc(h.onRequest)
	proxy.OnResponse().DoFunc(h.onResponse)
}

func (h *Hooks) onRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	path := r.URL.Path

	if path == "/ca/cacert.pem" {
		return r, h.caCertResponse(r)
	}

	switch {
	case path == "/clean/dev/event" || path == "/clean/cmd/response":
		h.handleEventRequest(r)
	case path == "/clean/dev/reportMaterialStatus":
		h.handleMaterialStatusRequest(r)
	case strings.HasPrefix(path, "/list/get"):
		h.handleIPRequest(r)
	default:
		if h.cfg.CacheStatic && looksLikeStaticFile(path) {
			if resp := h.tryServeStatic(r); resp != nil {
				return r, resp
			}
		}
	}

	return r, nil
}

func (h *Hooks) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil || ctx.Req == nil {
		return resp
	}
	path := ctx.Req.URL.Path

	switch {
	case path == "/clean/dev/register":
		h.handleRegisterResponse(resp)
	case strings.HasPrefix(path, "/list/get"):
		resp = h.handleIPResponse(ctx.Req, resp)
	case path == "/upgrade/getNewVersion":
		resp = h.handleUpdateResponse(resp)
	case path == "/clean/dev/sync":
		resp = h.handleSyncResponse(resp)
	default:
		if h.cfg.CacheStatic && looksLikeStaticFile(path) {
			h.maybeCacheStatic(ctx.Req, resp)
		}
	}

	return resp
}

func looksLikeStaticFile(path string) bool {
	return strings.Contains(filepath.Base(path), ".")
}

func (h *Hooks) caCertResponse(r *http.Request) *http.Response {
	return goproxy.NewResponse(r, "application/x-pem-file", http.StatusOK, string(h.caBytes))
}

// readRequestBody drains and replaces r's body so downstream handling (and the
// actual upstream round-trip for requests) still sees the full bytes.
func readRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	return body, nil
}

func setResponseBody(resp *http.Response, body []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
}

// handleEventRequest implements spec.md §4.5: POST /clean/dev/event and
// POST /clean/cmd/response are form-encoded bodies carrying sn and a
// JSON-string data field.
func (h *Hooks) handleEventRequest(r *http.Request) {
	body, err := readRequestBody(r)
	if err != nil {
		log.Errorf("failed to read event request body: %v", err)
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		log.Errorf("%v", &HookError{Path: r.URL.Path, Err: err})
		return
	}

	if sn := form.Get("sn"); sn != "" {
		h.bridge.SetSerial(sn)
	}

	raw := form.Get("data")
	if raw == "" {
		log.Warning("no 'data' parameter found in event request")
		return
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		log.Errorf("%v", &HookError{Path: r.URL.Path, Err: err})
		return
	}
	h.bridge.PushHookUpdate("robot", data)
}

// handleMaterialStatusRequest implements spec.md §4.5
// reportMaterialStatus consumable-percentage computation.
func (h *Hooks) handleMaterialStatusRequest(r *http.Request) {
	body, err := readRequestBody(r)
	if err != nil {
		log.Errorf("failed to read material status body: %v", err)
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		log.Errorf("%v", &HookError{Path: r.URL.Path, Err: err})
		return
	}

	counters := map[string]int{}
	fields := []string{
		"filterTotal", "filterConsume",
		"mainBrushTotal", "mainBrushConsume",
		"sideBrushTotal", "sideBrushConsume",
		"sensorTotal", "sensorConsume",
	}
	for _, f := range fields {
		n, err := strconv.Atoi(form.Get(f))
		if err != nil {
			log.Errorf("%v", &HookError{Path: r.URL.Path, Err: fmt.Errorf("field %s: %w", f, err)})
			return
		}
		counters[f] = n
	}

	materialStatus := map[string]interface{}{
		"filterTotal":      counters["filterTotal"],
		"filterConsume":    counters["filterConsume"],
		"mainBrushTotal":   counters["mainBrushTotal"],
		"mainBrushConsume": counters["mainBrushConsume"],
		"sideBrushTotal":   counters["sideBrushTotal"],
		"sideBrushConsume": counters["sideBrushConsume"],
		"sensorTotal":      counters["sensorTotal"],
		"sensorConsume":    counters["sensorConsume"],
		"percent": map[string]interface{}{
			"filter":    percent(counters["filterConsume"], counters["filterTotal"]),
			"mainBrush": percent(counters["mainBrushConsume"], counters["mainBrushTotal"]),
			"sideBrush": percent(counters["sideBrushConsume"], counters["sideBrushTotal"]),
			"sensor":    percent(counters["sensorConsume"], counters["sensorTotal"]),
		},
	}

	h.bridge.PushHookUpdate("robot", map[string]interface{}{"materialStatus": materialStatus})
}

func percent(consume, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(consume) / float64(total)
}

// handleIPRequest implements spec.md §4.5: GET /list/get… carries the
// product id in its query string.
func (h *Hooks) handleIPRequest(r *http.Request) {
	product := r.URL.Query().Get("product")
	if product == "" {
		return
	}
	id, err := strconv.Atoi(product)
	if err != nil {
		log.Errorf("%v", &HookError{Path: r.URL.Path, Err: err})
		return
	}
	h.bridge.SetProductID(uint32(id))
}

// handleIPResponse implements scenario S1: the first line of the
// response body is "host:port", which becomes the bridge's cloud leg,
// and the robot is redirected to the local proxy instead.
func (h *Hooks) handleIPResponse(req *http.Request, resp *http.Response) *http.Response {
	body, err := readResponseBody(resp)
	if err != nil {
		log.Errorf("failed to read list/get response body: %v", err)
		return resp
	}

	text := string(body)
	line := text
	if idx := strings.IndexByte(text, '\n'); idx != -1 {
		line = text[:idx]
	}
	if host, port, ok := strings.Cut(line, ":"); ok {
		if p, err := strconv.Atoi(port); err == nil {
			h.bridge.SetRemoteServer(host, p)
		} else {
			log.Errorf("%v", &HookError{Path: req.URL.Path, Err: err})
		}
	}

	rewritten := fmt.Sprintf("%s:%d\n%s:%d", h.cfg.LocalProxyIP, h.cfg.RobotPort, h.cfg.LocalProxyIP, h.cfg.RobotPort)
	setResponseBody(resp, []byte(rewritten))
	return resp
}

// handleRegisterResponse implements spec.md §4.5: POST
// /clean/dev/register hands back the push key and session id.
func (h *Hooks) handleRegisterResponse(resp *http.Response) {
	body, err := readResponseBody(resp)
	if err != nil {
		log.Errorf("failed to read register response body: %v", err)
		return
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		log.Errorf("%v", &HookError{Path: "/clean/dev/register", Err: err})
		return
	}

	errno, _ := decoded["errno"].(float64)
	if errno != 0 {
		log.Errorf("device register failed: %v", decoded["msg"])
		return
	}

	data, _ := decoded["data"].(map[string]interface{})
	if data == nil {
		return
	}
	if key, ok := data["pushKey"].(string); ok && key != "" {
		h.bridge.SetPushKey(key)
	}
	if sid, ok := data["sid"].(string); ok {
		h.bridge.SetSessionID(sid)
	}
}

// updateResponseBody is the fixed replacement payload for a blocked
// firmware update check, matching HttpHandler.py's literal string.
const updateResponseBody = `{"errorCode":0,"errorMsg":"成功","result":{"hasNew":0}}`

// handleUpdateResponse implements scenario S2.
func (h *Hooks) handleUpdateResponse(resp *http.Response) *http.Response {
	if !h.cfg.BlockUpdate {
		log.Warning("update response has not been blocked, the robot may update")
		return resp
	}

	body, err := readResponseBody(resp)
	if err != nil {
		log.Errorf("failed to read update response body: %v", err)
		return resp
	}
	if err := h.store.SaveUpdateCapture(body); err != nil {
		log.Errorf("failed to persist captured update response: %v", err)
	}

	setResponseBody(resp, []byte(updateResponseBody))
	return resp
}

// handleSyncResponse implements scenario S5: the nested JSON-string
// "setting" field has its interval fields pinned to the configured
// values, other keys preserved.
func (h *Hooks) handleSyncResponse(resp *http.Response) *http.Response {
	body, err := readResponseBody(resp)
	if err != nil {
		log.Errorf("failed to read sync response body: %v", err)
		return resp
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		log.Errorf("%v", &HookError{Path: "/clean/dev/sync", Err: err})
		setResponseBody(resp, body)
		return resp
	}

	errno, _ := decoded["errno"].(float64)
	if errno != 0 {
		log.Errorf("failed to sync with server: %v", decoded["errmsg"])
		setResponseBody(resp, body)
		return resp
	}

	data, _ := decoded["data"].(map[string]interface{})
	if data == nil {
		data = map[string]interface{}{}
	}
	settingRaw, _ := data["setting"].(string)
	if settingRaw == "" {
		log.Error("no settings found in sync response")
	} else {
		var settings map[string]interface{}
		if err := json.Unmarshal([]byte(settingRaw), &settings); err != nil {
			log.Errorf("%v", &HookError{Path: "/clean/dev/sync", Err: err})
		} else {
			settings["mapIntv"] = h.cfg.MapIntv
			settings["pathIntv"] = h.cfg.PathIntv
			settings["statusIntv"] = h.cfg.StatusIntv

			reencoded, err := json.Marshal(settings)
			if err != nil {
				log.Errorf("failed to re-encode settings: %v", err)
			} else {
				data["setting"] = string(reencoded)
			}
		}
	}

	// The vendor firmware expects only the inner "data" object back,
	// with the {"errno":...} envelope stripped.
	out, err := json.Marshal(data)
	if err != nil {
		log.Errorf("failed to re-encode sync response: %v", err)
		setResponseBody(resp, body)
		return resp
	}
	setResponseBody(resp, out)
	return resp
}

// tryServeStatic implements the static-file request side of spec.md
// §4.5: a cached asset, if present on disk, short-circuits the request
// with a synthesised 200 response carrying the "cached: true" header.
func (h *Hooks) tryServeStatic(r *http.Request) *http.Response {
	path := store.StaticAssetPath(h.cfg.DataPath, r.Host, r.URL.Path)
	body, ok, err := store.ReadStaticAsset(path)
	if err != nil {
		log.Errorf("failed to read cached static asset %s: %v", path, err)
		return nil
	}
	if !ok {
		return nil
	}

	resp := goproxy.NewResponse(r, "application/octet-stream", http.StatusOK, string(body))
	resp.Header.Set("cached", "true")
	return resp
}

// maybeCacheStatic implements the static-file response side of spec.md
// §4.5: a non-cached static response is mirrored to disk.
func (h *Hooks) maybeCacheStatic(req *http.Request, resp *http.Response) {
	if resp.Header.Get("cached") == "true" {
		return
	}

	body, err := readResponseBody(resp)
	if err != nil {
		log.Errorf("failed to read static response body: %v", err)
		return
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	path := store.StaticAssetPath(h.cfg.DataPath, req.Host, req.URL.Path)
	if err := store.WriteStaticAsset(path, body); err != nil {
		log.Errorf("failed to mirror static asset to %s: %v", path, err)
		return
	}
	log.Debugf("saved static file to %s", path)
}
