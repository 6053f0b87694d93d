package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/noisepay/keycache"
	"github.com/opd-ai/noisepay/noise"
	"github.com/opd-ai/noisepay/payment"
)

// Server accepts inbound payment sessions, drives the responder handshake,
// and dispatches decrypted payment messages to a ReceiptHandler.
//
// Each accepted connection runs in its own goroutine. Application-level
// failures (bad ciphertext, malformed messages, handler errors) produce an
// encrypted error reply and keep the connection open; transport failures
// tear the connection down.
type Server struct {
	cache   *keycache.Cache
	handler payment.ReceiptHandler
	config  ServerConfig

	mu       sync.Mutex
	listener net.Listener
	sessions *noise.SessionManager
	running  bool
	port     uint16
	wg       sync.WaitGroup

	connections      sync.Map // connection ID -> *connectionRecord
	activeCount      atomic.Int64
	totalConnections atomic.Uint64
}

// NewServer creates a payment server over the given key cache and handler.
func NewServer(cache *keycache.Cache, handler payment.ReceiptHandler, config ServerConfig) *Server {
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultMaxConnections
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Server{
		cache:   cache,
		handler: handler,
		config:  config,
	}
}

// Start derives the server identity, binds the listener, and begins
// accepting connections. Port 0 selects an ephemeral port; the bound port
// is reported in the returned status.
func (s *Server) Start(port uint16) (*ServerStatus, error) {
	if s.cache == nil {
		return nil, ErrNoIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, fmt.Errorf("%w: server already running", ErrConnectionFailed)
	}

	keyPair, err := s.cache.GetOrDerive(s.config.DeviceID, s.config.Epoch)
	if err != nil {
		return nil, err
	}

	sessions, err := noise.NewSessionManager(keyPair)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", noise.ErrHandshakeFailed, err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	boundPort := uint16(listener.Addr().(*net.TCPAddr).Port)

	s.listener = listener
	s.sessions = sessions
	s.running = true
	s.port = boundPort

	s.wg.Add(1)
	go s.acceptLoop(listener)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"port":     boundPort,
		"pubkey":   sessions.LocalPublicKeyHex(),
	}).Info("Payment server listening")

	return s.statusLocked(), nil
}

// Stop closes the listener and every live connection, then waits for the
// connection goroutines to drain. It is idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	s.connections.Range(func(key, value interface{}) bool {
		s.closeConnection(key.(string))
		return true
	})

	s.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Payment server stopped")
	return nil
}

// CloseConnection tears down a single connection by ID. Unknown IDs are a
// no-op so the call is safe to repeat.
func (s *Server) CloseConnection(connectionID string) error {
	s.closeConnection(connectionID)
	return nil
}

// Status reports the server's listening state and connection counters.
func (s *Server) Status() *ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Server) statusLocked() *ServerStatus {
	status := &ServerStatus{
		Running:           s.running,
		ActiveConnections: int(s.activeCount.Load()),
		TotalConnections:  s.totalConnections.Load(),
	}
	if s.running {
		status.Port = s.port
		status.PublicKeyHex = s.sessions.LocalPublicKeyHex()
	}
	return status
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err,
			}).Warn("Accept failed")
			continue
		}

		if int(s.activeCount.Load()) >= s.config.MaxConnections {
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"remote":   conn.RemoteAddr(),
				"limit":    s.config.MaxConnections,
			}).Warn("Connection limit reached, refusing peer")
			conn.Close()
			continue
		}

		connectionID := uuid.NewString()
		record := &connectionRecord{
			id:   connectionID,
			conn: conn,
		}
		s.connections.Store(connectionID, record)
		s.activeCount.Add(1)
		s.totalConnections.Add(1)

		// Stop may have swept the table between the accept and the store;
		// a record published after that sweep is closed here instead so
		// Stop never waits on a read loop it cannot reach.
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			s.closeConnection(connectionID)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(record)
	}
}

// handleConnection runs the responder handshake then serves framed
// request/response exchanges until the peer disconnects.
func (s *Server) handleConnection(record *connectionRecord) {
	defer s.wg.Done()
	defer s.closeConnection(record.id)

	// A peer that connects and never completes the handshake must not hold
	// a connection slot until then.
	if err := record.conn.SetDeadline(time.Now().Add(s.config.HandshakeTimeout)); err != nil {
		return
	}

	// The first handshake message arrives raw, before framing starts.
	buf := make([]byte, handshakeBufferSize)
	n, err := record.conn.Read(buf)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConnection",
			"remote":   record.conn.RemoteAddr(),
			"error":    err,
		}).Debug("Failed to read handshake message")
		return
	}

	sessionID, response, err := s.sessions.Accept(buf[:n])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConnection",
			"remote":   record.conn.RemoteAddr(),
			"error":    err,
		}).Warn("Handshake rejected")
		return
	}
	record.mu.Lock()
	record.sessionID = sessionID
	record.handshakeComplete = true
	if session, ok := s.sessions.GetSession(sessionID); ok {
		record.peerPublicKeyHex = session.RemotePublicKeyHex()
	}
	record.mu.Unlock()

	if _, err := record.conn.Write(response); err != nil {
		return
	}
	if err := record.conn.SetDeadline(time.Time{}); err != nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":      "handleConnection",
		"connection_id": record.id,
		"session_id":    sessionID,
		"peer":          record.peerPublicKeyHex,
	}).Info("Peer session established")

	for {
		frame, err := ReadFrame(record.conn)
		if err != nil {
			return
		}

		reply := s.processFrame(record, frame)
		if reply == nil {
			continue
		}

		ciphertext, err := s.sessions.Encrypt(sessionID, reply)
		if err != nil {
			return
		}
		if err := WriteFrame(record.conn, ciphertext); err != nil {
			return
		}
	}
}

// processFrame decrypts and dispatches one inbound frame, returning the
// plaintext reply to encrypt, or nil when no reply is due.
func (s *Server) processFrame(record *connectionRecord, frame []byte) []byte {
	plaintext, err := s.sessions.Decrypt(record.sessionID, frame)
	if err != nil {
		return encodeErrorReply("decryption_failed", "could not decrypt message")
	}

	msg, err := payment.Decode(plaintext)
	if err != nil {
		return encodeErrorReply("invalid_message", "could not parse message")
	}

	switch msg.Type {
	case payment.TypePing:
		return mustEncode(payment.NewPong())
	case payment.TypePong:
		return nil
	}

	if s.handler == nil {
		return encodeErrorReply("unsupported", "no handler registered")
	}

	response, err := s.handler.HandleMessage(msg, record.peerPublicKeyHex, s.sessions.LocalPublicKeyHex())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "processFrame",
			"connection_id": record.id,
			"type":          string(msg.Type),
			"error":         err,
		}).Warn("Handler rejected message")
		return encodeErrorReply("handler_error", err.Error())
	}
	if response == nil {
		return nil
	}
	return mustEncode(response)
}

// closeConnection removes and closes a connection exactly once.
func (s *Server) closeConnection(connectionID string) {
	value, loaded := s.connections.LoadAndDelete(connectionID)
	if !loaded {
		return
	}
	record := value.(*connectionRecord)

	record.mu.Lock()
	sessionID := record.sessionID
	record.mu.Unlock()

	if sessionID != "" {
		s.sessions.RemoveSession(sessionID)
	}
	record.conn.Close()
	s.activeCount.Add(-1)

	logrus.WithFields(logrus.Fields{
		"function":      "closeConnection",
		"connection_id": connectionID,
	}).Debug("Connection closed")
}

func encodeErrorReply(code, message string) []byte {
	return mustEncode(payment.NewErrorMessage(code, message))
}

func mustEncode(msg *payment.Message) []byte {
	data, err := payment.Encode(msg)
	if err != nil {
		// Messages built by this package always marshal.
		panic(fmt.Sprintf("encode reply: %v", err))
	}
	return data
}
