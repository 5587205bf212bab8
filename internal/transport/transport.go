// Package transport implements the framed TCP endpoints the bridge uses
// for its three legs: a server variant (robot leg, local-control leg)
// and a client variant (cloud leg). Both deliver whole-buffer reads to
// registered listeners with no reassembly above the TCP layer, matching
// the original vendor implementation's behaviour.
package transport

import (
	"fmt"
	"net"
	"sync"

	logging "github.com/op/go-logging"
)

// readBufSize is the fixed chunk size used for every socket read. The
// on-wire protocol carries its own payload_size, but each TCP read is
// still treated as one complete frame here; a write that spans two
// reads would be mis-framed by any decoder layered on top, though still
// forwarded correctly byte-for-byte. See spec.md §9.
const readBufSize = 1024

// TransportError wraps any socket-level failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DataSink receives whole buffers read from an endpoint.
type DataSink interface {
	OnData(data []byte)
}

// DataSinkFunc adapts a function to DataSink.
type DataSinkFunc func(data []byte)

func (f DataSinkFunc) OnData(data []byte) { f(data) }

// ConnectionObserver is notified of connect/disconnect transitions. For
// a Server, handle identifies the peer connection; for a Client it is
// always nil.
type ConnectionObserver interface {
	OnConnection(handle net.Conn, connected bool)
}

// ConnectionObserverFunc adapts a function to ConnectionObserver.
type ConnectionObserverFunc func(handle net.Conn, connected bool)

func (f ConnectionObserverFunc) OnConnection(handle net.Conn, connected bool) { f(handle, connected) }

// Server accepts connections on (host, port) and fans out reads/sends to
// every connected client. When includeCustomHeader is set, SendData
// prepends a 4-byte local-control framing header (0x16 0x16 <len:u16 BE>)
// to every send, so an operator can delimit adjacent JSON messages.
type Server struct {
	host                string
	port                int
	includeCustomHeader bool
	log                 *logging.Logger

	mu       sync.Mutex
	running  bool
	listener net.Listener
	clients  []net.Conn

	dataSinks    []DataSink
	connObs      []ConnectionObserver
	dataSinksMu  sync.Mutex
	connObsMu    sync.Mutex
}

// NewServer builds a Server endpoint. loggerName names the per-instance
// logger (e.g. "RobotSocketServer"), mirroring the original's
// per-instance logger convention.
func NewServer(host string, port int, includeCustomHeader bool, loggerName string) *Server {
	return &Server{
		host:                host,
		port:                port,
		includeCustomHeader: includeCustomHeader,
		log:                 logging.MustGetLogger(loggerName),
	}
}

// AddDataListener registers sink to be called with every buffer read from
// any connected client.
func (s *Server) AddDataListener(sink DataSink) {
	s.dataSinksMu.Lock()
	defer s.dataSinksMu.Unlock()
	s.dataSinks = append(s.dataSinks, sink)
}

// AddConnectionListener registers obs to be called on every connect/
// disconnect transition.
func (s *Server) AddConnectionListener(obs ConnectionObserver) {
	s.connObsMu.Lock()
	defer s.connObsMu.Unlock()
	s.connObs = append(s.connObs, obs)
}

// Start binds the listen socket with address reuse and begins accepting
// connections in a dedicated goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		return &TransportError{Op: "listen", Err: err}
	}

	s.mu.Lock()
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	s.log.Infof("server initialized on %s:%d", s.host, s.port)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	s.log.Info("started accepting connections")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if running {
				s.log.Errorf("error accepting connection: %v", err)
			}
			return
		}

		s.mu.Lock()
		s.clients = append(s.clients, conn)
		s.mu.Unlock()

		s.log.Infof("new client connected from %s", conn.RemoteAddr())
		s.informConnectionListeners(conn, true)
		go s.receiveLoop(conn)
	}
}

func (s *Server) receiveLoop(conn net.Conn) {
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			break
		}
		if n == 0 {
			continue
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		s.informDataListeners(chunk)
	}

	s.mu.Lock()
	removed := s.removeClientLocked(conn)
	s.mu.Unlock()

	if removed {
		s.log.Infof("client %s disconnected", conn.RemoteAddr())
		s.informConnectionListeners(conn, false)
	}
	conn.Close()
}

func (s *Server) removeClientLocked(conn net.Conn) bool {
	for i, c := range s.clients {
		if c == conn {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return true
		}
	}
	return false
}

// SendData fans out data to every currently connected client. When
// includeCustomHeader is set the 4-byte framing header is prepended.
// Clients that error during send are evicted and their connection
// listeners notified with connected=false.
func (s *Server) SendData(data []byte) {
	if s.includeCustomHeader {
		header := []byte{0x16, 0x16, byte(len(data) >> 8), byte(len(data))}
		data = append(header, data...)
	}

	s.mu.Lock()
	clients := make([]net.Conn, len(s.clients))
	copy(clients, s.clients)
	s.mu.Unlock()

	for _, c := range clients {
		if _, err := c.Write(data); err != nil {
			s.log.Errorf("error sending to client: %v", err)
			s.mu.Lock()
			s.removeClientLocked(c)
			s.mu.Unlock()
			s.informConnectionListeners(c, false)
		}
	}
}

// Stop sets the running flag false and closes the listen socket and all
// client connections, causing accept/receive loops to exit on their next
// syscall.
func (s *Server) Stop() {
	s.mu.Lock()
	s.running = false
	clients := s.clients
	s.clients = nil
	ln := s.listener
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	if ln != nil {
		ln.Close()
	}
}

func (s *Server) informDataListeners(data []byte) {
	s.dataSinksMu.Lock()
	sinks := make([]DataSink, len(s.dataSinks))
	copy(sinks, s.dataSinks)
	s.dataSinksMu.Unlock()

	for _, sink := range sinks {
		sink.OnData(data)
	}
}

func (s *Server) informConnectionListeners(conn net.Conn, connected bool) {
	s.connObsMu.Lock()
	obs := make([]ConnectionObserver, len(s.connObs))
	copy(obs, s.connObs)
	s.connObsMu.Unlock()

	for _, o := range obs {
		o.OnConnection(conn, connected)
	}
}

// Client is a single outbound socket (the cloud leg).
type Client struct {
	host string
	port int
	log  *logging.Logger

	mu      sync.Mutex
	running bool
	conn    net.Conn

	dataSink DataSink
	connObs  ConnectionObserver
}

// NewClient builds a Client endpoint targeting host:port.
func NewClient(host string, port int, loggerName string) *Client {
	return &Client{
		host: host,
		port: port,
		log:  logging.MustGetLogger(loggerName),
	}
}

// SetDataListener registers the single data listener for this client.
func (c *Client) SetDataListener(sink DataSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataSink = sink
}

// SetConnectionListener registers the single connection listener.
func (c *Client) SetConnectionListener(obs ConnectionObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connObs = obs
}

// Connect dials the target synchronously. On success the connection
// listener fires with connected=true and a receive loop starts.
func (c *Client) Connect() error {
	c.log.Infof("connecting to %s:%d", c.host, c.port)
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", c.host, c.port))
	if err != nil {
		c.log.Errorf("connection failed: %v", err)
		return &TransportError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.running = true
	obs := c.connObs
	c.mu.Unlock()

	c.log.Info("connected successfully")
	if obs != nil {
		obs.OnConnection(nil, true)
	}

	go c.receiveLoop(conn)
	return nil
}

func (c *Client) receiveLoop(conn net.Conn) {
	buf := make([]byte, readBufSize)
	c.log.Info("started receiving messages")
	for {
		n, err := conn.Read(buf)
		if err != nil {
			c.log.Infof("server closed connection: %v", err)
			break
		}
		if n == 0 {
			continue
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])

		c.mu.Lock()
		sink := c.dataSink
		c.mu.Unlock()
		if sink != nil {
			sink.OnData(chunk)
		}
	}

	c.teardown(conn)
}

func (c *Client) teardown(conn net.Conn) {
	c.mu.Lock()
	if !c.running || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.conn = nil
	obs := c.connObs
	c.mu.Unlock()

	conn.Close()
	if obs != nil {
		obs.OnConnection(nil, false)
	}
}

// SendData writes data to the server. On failure the client disconnects
// and the connection listener fires with connected=false.
func (c *Client) SendData(data []byte) bool {
	c.mu.Lock()
	conn := c.conn
	running := c.running
	c.mu.Unlock()

	if !running || conn == nil {
		c.log.Error("cannot send message: not connected")
		return false
	}

	if _, err := conn.Write(data); err != nil {
		c.log.Errorf("error sending message: %v", err)
		c.teardown(conn)
		return false
	}
	return true
}

// Disconnect tears down the socket and fires the connection listener
// with connected=false exactly once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.teardown(conn)
	}
}

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
