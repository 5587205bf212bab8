// Package bridge is the authoritative routing and state-carrying
// component. It owns three transport.Server/transport.Client endpoints
// (robot leg, local-control leg, cloud leg), routes and mutates frames
// between them, and tracks the push channel's sequence/ack state.
// Generalised from original_source/python/EchoServer.py's handler.
package bridge

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	logging "github.com/op/go-logging"

	"github.com/cavefire/cn360-proxy/internal/egress"
	"github.com/cavefire/cn360-proxy/internal/pushchannel"
	"github.com/cavefire/cn360-proxy/internal/resolver"
	"github.com/cavefire/cn360-proxy/internal/store"
	"github.com/cavefire/cn360-proxy/internal/transport"
)

var log = logging.MustGetLogger("bridge")

// ackFrameHeader is the fixed 4-byte prefix of a bare ack frame:
// magic 0x0005, type 0x0004.
var ackFrameHeader = []byte{0x00, 0x05, 0x00, 0x04}

// AckSet is the ordered multiset of outstanding ack numbers the bridge
// itself injected, per spec.md §3/§9.
type AckSet struct {
	values []int
}

// Append adds n to the set.
func (a *AckSet) Append(n int) {
	a.values = append(a.values, n)
}

// RemoveFirst removes the first occurrence of n, reporting whether one
// was found.
func (a *AckSet) RemoveFirst(n int) bool {
	for i, v := range a.values {
		if v == n {
			a.values = append(a.values[:i], a.values[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports the number of outstanding acks.
func (a *AckSet) Len() int { return len(a.values) }

// Update is the observer-protocol payload the bridge pushes to the
// local-control leg, per spec.md §4.4 "Observer protocol".
type Update struct {
	Origin         string                 `json:"origin"`
	SN             string                 `json:"sn"`
	RobotConnected bool                   `json:"robot_connected"`
	CloudConnected bool                   `json:"cloud_connected"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Cache          map[string]interface{} `json:"cache,omitempty"`
}

// Config carries the bridge's construction-time parameters.
type Config struct {
	RobotHost        string
	RobotPort        int
	LocalControlHost string
	LocalControlPort int
	DefaultProductID uint32
	MapIntv          int
	PathIntv         int
	StatusIntv       int
}

// Bridge is a single mutex-guarded record, per spec.md §9 ("guarded
// record", not split locks). Every field in the "Shared mutable state"
// list of spec.md §5 is covered by mu.
type Bridge struct {
	cfg   Config
	store *store.Store
	res   *resolver.Resolver
	guard *egress.Guard

	robotServer *transport.Server
	localServer *transport.Server
	cloudClient *transport.Client

	mu             sync.Mutex
	sn             string
	pushKey        string
	productID      uint32
	lastSeqNr      uint64
	dataCache      map[string]interface{}
	localAckNr     AckSet
	robotConnected bool
	cloudConnected bool
	sessionID      string
}

// New constructs a Bridge. The two server legs are built here;
// Start binds and begins accepting.
func New(cfg Config, st *store.Store, res *resolver.Resolver, guard *egress.Guard) *Bridge {
	if cfg.DefaultProductID == 0 {
		cfg.DefaultProductID = pushchannel.DefaultProductID
	}

	b := &Bridge{
		cfg:       cfg,
		store:     st,
		res:       res,
		guard:     guard,
		lastSeqNr: pushchannel.DefaultLastSeqNr,
		dataCache: make(map[string]interface{}),
		productID: cfg.DefaultProductID,
	}

	if key, ok, err := st.LoadPushKey(); err == nil && ok {
		b.pushKey = key
	}
	if id, ok, err := st.LoadProductID(); err == nil && ok {
		b.productID = uint32(id)
	}

	b.robotServer = transport.NewServer(cfg.RobotHost, cfg.RobotPort, false, "RobotSocketServer")
	b.localServer = transport.NewServer(cfg.LocalControlHost, cfg.LocalControlPort, true, "LocalControlSocketServer")

	b.robotServer.AddDataListener(transport.DataSinkFunc(b.onRobotData))
	b.robotServer.AddConnectionListener(transport.ConnectionObserverFunc(b.onRobotConnection))
	b.localServer.AddDataListener(transport.DataSinkFunc(b.onLocalData))

	return b
}

// Start binds the robot and local-control legs. The cloud leg is dialed
// lazily, either via SetRemoteServer or on the robot's first connect.
func (b *Bridge) Start() error {
	if err := b.robotServer.Start(); err != nil {
		return err
	}
	if err := b.localServer.Start(); err != nil {
		return err
	}
	return nil
}

// Stop tears down all three legs.
func (b *Bridge) Stop() {
	b.robotServer.Stop()
	b.localServer.Stop()
	b.mu.Lock()
	client := b.cloudClient
	b.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
}

// RobotConnected and CloudConnected satisfy healthz.StatusProvider.
func (b *Bridge) RobotConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.robotConnected
}

func (b *Bridge) CloudConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cloudConnected
}

// SetRemoteServer is called by the HTTP interception layer once it
// learns the cloud's real address from /list/get. Per spec.md §4.4
// "State machine (cloud leg)": disconnect if currently connected, then
// reconnect to the new endpoint.
func (b *Bridge) SetRemoteServer(host string, port int) {
	b.res.Set(host, port)
	b.guard.SetAllowed(host)

	b.mu.Lock()
	prevClient := b.cloudClient
	b.mu.Unlock()

	if prevClient != nil {
		prevClient.Disconnect()
	}
	b.dialCloud(host, port)
}

// SetProductID records an operator- or interception-learned product id.
func (b *Bridge) SetProductID(id uint32) {
	b.mu.Lock()
	b.productID = id
	b.mu.Unlock()
	if err := b.store.SaveProductID(int(id)); err != nil {
		log.Errorf("failed to persist product id: %v", err)
	}
	b.pushUpdate(Update{Origin: "server"})
}

// SetPushKey records the key handed back by /clean/dev/register.
func (b *Bridge) SetPushKey(key string) {
	b.mu.Lock()
	b.pushKey = key
	b.mu.Unlock()
	if err := b.store.SavePushKey(key); err != nil {
		log.Errorf("failed to persist push key: %v", err)
	}
}

// SetSessionID records the sid handed back by /clean/dev/register.
func (b *Bridge) SetSessionID(sid string) {
	b.mu.Lock()
	b.sessionID = sid
	b.mu.Unlock()
}

// SetSerial records the robot's serial number, learned from dev/event
// or dev/cmd/response forms.
func (b *Bridge) SetSerial(sn string) {
	b.mu.Lock()
	b.sn = sn
	b.mu.Unlock()
}

func (b *Bridge) dialCloud(host string, port int) {
	if !b.guard.CheckDial(host) {
		log.Warningf("dialing cloud leg to unauthorised host %s anyway (advisory check only)", host)
	}

	client := transport.NewClient(host, port, "CloudSocket")
	client.SetDataListener(transport.DataSinkFunc(b.onCloudData))
	client.SetConnectionListener(transport.ConnectionObserverFunc(func(_ net.Conn, connected bool) {
		b.mu.Lock()
		b.cloudConnected = connected
		b.mu.Unlock()
		b.pushUpdate(Update{Origin: "server"})
	}))

	b.mu.Lock()
	b.cloudClient = client
	b.mu.Unlock()

	if err := client.Connect(); err != nil {
		log.Errorf("cloud leg connect failed: %v", err)
	}
}

// onRobotConnection handles robot-leg connect/disconnect transitions.
// Per spec.md §4.4 "State machine (cloud leg)": a robot connect while
// the cloud leg is idle triggers a connect attempt.
func (b *Bridge) onRobotConnection(_ net.Conn, connected bool) {
	host, port, haveRemote := b.res.Get()

	b.mu.Lock()
	b.robotConnected = connected
	needDial := connected && b.cloudClient == nil && haveRemote
	b.mu.Unlock()

	if needDial {
		b.dialCloud(host, port)
	}
	b.pushUpdate(Update{Origin: "robot"})
}

// onRobotData implements spec.md §4.4 rule 1, robot → cloud.
func (b *Bridge) onRobotData(data []byte) {
	if len(data) >= 4 && bytes.Equal(data[:4], ackFrameHeader) {
		if n, ok := parseBareAck(data); ok {
			b.mu.Lock()
			swallowed := b.localAckNr.RemoveFirst(n)
			b.mu.Unlock()
			if swallowed {
				log.Debugf("swallowed ack %d, not forwarding to cloud", n)
				return
			}
		}
	}

	b.mu.Lock()
	client := b.cloudClient
	b.mu.Unlock()

	if client == nil {
		log.Error("robot sent data but no cloud leg is connected")
		return
	}
	client.SendData(data)
}

// parseBareAck decodes the ack:<n> token out of a bare ack frame:
// magic, type, a 2-byte length, then that many ascii bytes.
func parseBareAck(data []byte) (int, bool) {
	if len(data) < 6 {
		return 0, false
	}
	ackLen := int(binary.BigEndian.Uint16(data[4:6]))
	if len(data) < 6+ackLen {
		return 0, false
	}
	tok := string(data[6 : 6+ackLen])
	const prefix = "ack:"
	if !strings.HasPrefix(tok, prefix) {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(tok[len(prefix):], "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// onCloudData implements spec.md §4.4 rule 2, cloud → robot. The raw
// buffer is forwarded first, unconditionally: decode is a best-effort
// branch that never blocks or alters the forwarded bytes (§9
// "tee, then decode").
func (b *Bridge) onCloudData(data []byte) {
	b.robotServer.SendData(data)

	b.mu.Lock()
	key := b.pushKey
	b.mu.Unlock()

	p, err := pushchannel.Parse(data, key)
	if err != nil {
		log.Debugf("cloud frame not decoded: %v", err)
		return
	}
	if p.Type != pushchannel.TypeData {
		return
	}

	b.mu.Lock()
	b.lastSeqNr = p.SeqNr
	b.mu.Unlock()

	if p.PayloadJSON == nil {
		return
	}
	obj := extractData(p.PayloadJSON["data"])
	if obj == nil {
		return
	}

	b.mergeCache(obj)
	if err := b.store.AppendRequestLog(obj); err != nil {
		log.Errorf("failed to append request log: %v", err)
	}
	b.pushUpdate(Update{Origin: "server", Data: obj})
}

// extractData normalises payload_json["data"] into an object: it is
// already a map when Parse decrypted it or when a plaintext payload
// carried an object, and a JSON string still needing a second parse when
// a plaintext payload carried a string (spec.md §4.4 rule 2).
func extractData(v interface{}) map[string]interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return val
	case string:
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(val), &obj); err != nil {
			return nil
		}
		return obj
	default:
		return nil
	}
}

func (b *Bridge) mergeCache(u map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range u {
		b.dataCache[k] = v
	}
}

// injectRequest is the operator-facing shape accepted on the
// local-control leg, per spec.md §4.4 rule 3.
type injectRequest struct {
	InfoType interface{} `json:"infoType"`
	Encrypt  *int        `json:"encrypt"`
	Data     interface{} `json:"data"`
}

// onLocalData implements spec.md §4.4 rule 3, local control → robot.
// A }{ in the buffer splits it into two adjacent JSON messages, each
// handled recursively, a substitute for a length prefix (§9
// "split-JSON hack", kept as the only local-control framing mode).
func (b *Bridge) onLocalData(data []byte) {
	s := string(data)
	if idx := strings.Index(s, "}{"); idx != -1 {
		first := s[:idx+1]
		rest := s[idx+1:]
		b.onLocalData([]byte(first))
		b.onLocalData([]byte(rest))
		return
	}

	var req injectRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Errorf("malformed local-control message: %v", err)
		return
	}
	b.inject(req)
}

func (b *Bridge) inject(req injectRequest) {
	infoType := "30000"
	if req.InfoType != nil {
		infoType = fmt.Sprintf("%v", req.InfoType)
	}
	encrypt := true
	if req.Encrypt != nil {
		encrypt = *req.Encrypt != 0
	}

	userData, err := json.Marshal(req.Data)
	if err != nil {
		log.Errorf("failed to marshal injection data: %v", err)
		return
	}

	b.mu.Lock()
	sn := b.sn
	lastSeqNr := b.lastSeqNr
	productID := b.productID
	pushKey := b.pushKey
	b.mu.Unlock()

	envelope := map[string]interface{}{
		"data": string(userData),
		"extend": map[string]interface{}{
			"taskid": uuid.NewString(),
			"usid":   "admin",
		},
		"infoType": infoType,
		"sn":       sn,
	}

	buf, packet, err := pushchannel.Build(envelope, lastSeqNr, encrypt, productID, pushKey)
	if err != nil {
		log.Errorf("failed to build injected packet: %v", err)
		return
	}

	b.mu.Lock()
	b.localAckNr.Append(packet.AckNr)
	b.mu.Unlock()

	b.robotServer.SendData(buf)
}

// PushHookUpdate lets the HTTP interception layer deliver a decoded
// state chunk to the local-control leg: data is merged into the cache
// and an observer update is pushed with the given origin. Unlike a cloud
// frame, it is not written to the request log and does not touch
// last_seq_nr.
func (b *Bridge) PushHookUpdate(origin string, data map[string]interface{}) {
	if data != nil {
		b.mergeCache(data)
	}
	b.pushUpdate(Update{Origin: origin, Data: data})
}

func (b *Bridge) pushUpdate(u Update) {
	b.mu.Lock()
	u.SN = b.sn
	u.RobotConnected = b.robotConnected
	u.CloudConnected = b.cloudConnected
	if u.Data == nil {
		cache := make(map[string]interface{}, len(b.dataCache))
		for k, v := range b.dataCache {
			cache[k] = v
		}
		u.Cache = cache
	}
	b.mu.Unlock()

	payload, err := json.Marshal(u)
	if err != nil {
		log.Errorf("failed to marshal observer update: %v", err)
		return
	}
	b.localServer.SendData(payload)
}
