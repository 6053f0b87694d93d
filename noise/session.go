package noise

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	flynnnoise "github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/noisepay/crypto"
)

var (
	// ErrSessionNotFound indicates no session exists for the given ID
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotReady indicates the session has not completed its handshake
	ErrSessionNotReady = errors.New("session not ready for transport")
	// ErrHandshakeFailed indicates a handshake error; the session is closed
	// and never retried, since a failure may indicate a man-in-the-middle
	// or stale key material.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrEncryptionFailed indicates transport encryption failed
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrDecryptionFailed indicates transport decryption failed
	ErrDecryptionFailed = errors.New("decryption failed")
)

// SessionState tracks the handshake lifecycle of one session.
type SessionState uint8

const (
	// StateUninitialized is a session before any handshake message.
	StateUninitialized SessionState = iota
	// StateHandshakeSent is an initiator session awaiting the responder's reply.
	StateHandshakeSent
	// StateReady is an established session usable for encrypt/decrypt.
	StateReady
	// StateClosed is a torn-down or failed session.
	StateClosed
)

// String returns the state name for logging.
func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the live cryptographic state for one logical connection.
// Transport secrets are owned exclusively by this package; callers interact
// through session IDs only.
type Session struct {
	ID        string
	Role      HandshakeRole
	CreatedAt time.Time

	mu           sync.Mutex
	state        SessionState
	handshake    *IKHandshake
	sendCipher   *flynnnoise.CipherState
	recvCipher   *flynnnoise.CipherState
	remoteStatic []byte
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemotePublicKeyHex returns the peer's static public key in hex, or empty
// if the handshake has not completed.
func (s *Session) RemotePublicKeyHex() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.remoteStatic) == 0 {
		return ""
	}
	return hex.EncodeToString(s.remoteStatic)
}

// SessionManager owns the session table for one local device key pair.
// At most one live session exists per physical connection; callers create
// sessions via Initiate or Accept and tear them down with RemoveSession.
type SessionManager struct {
	keyPair  *crypto.KeyPairRecord
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates a session manager over the given device key pair.
func NewSessionManager(keyPair *crypto.KeyPairRecord) (*SessionManager, error) {
	if keyPair == nil {
		return nil, errors.New("key pair is required")
	}
	return &SessionManager{
		keyPair:  keyPair,
		sessions: make(map[string]*Session),
	}, nil
}

// Initiate starts an initiator handshake against the given server static key.
// hint is an optional opaque payload carried inside the first handshake
// message (nil is typical). It returns the new session ID and the raw first
// handshake message to transmit unframed.
//
// The session is not usable for Encrypt/Decrypt until Complete succeeds.
func (m *SessionManager) Initiate(serverPublicKey, hint []byte) (string, []byte, error) {
	hs, err := NewIKHandshake(m.keyPair, serverPublicKey, Initiator)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	firstMsg, _, err := hs.WriteMessage(hint, nil)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	session := &Session{
		ID:        uuid.NewString(),
		Role:      Initiator,
		CreatedAt: time.Now(),
		state:     StateHandshakeSent,
		handshake: hs,
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Initiate",
		"session_id": session.ID,
	}).Debug("Initiator handshake started")

	return session.ID, firstMsg, nil
}

// Complete finalizes an initiator handshake with the responder's raw reply.
// On any error the session transitions directly to Closed; handshake failures
// are never retried.
func (m *SessionManager) Complete(sessionID string, response []byte) error {
	session, err := m.lookup(sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.state != StateHandshakeSent || session.Role != Initiator {
		session.state = StateClosed
		return fmt.Errorf("%w: session %s in state %s cannot complete", ErrHandshakeFailed, sessionID, session.state)
	}

	if _, _, err := session.handshake.ReadMessage(response); err != nil {
		session.state = StateClosed
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	return m.finalizeLocked(session)
}

// Accept processes a raw initiator handshake message as responder and returns
// the new session ID with the raw response to transmit. Producing the
// response completes the responder side; no further round trip is needed.
func (m *SessionManager) Accept(firstMessage []byte) (string, []byte, error) {
	hs, err := NewIKHandshake(m.keyPair, nil, Responder)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	response, _, err := hs.WriteMessage(nil, firstMessage)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	session := &Session{
		ID:        uuid.NewString(),
		Role:      Responder,
		CreatedAt: time.Now(),
		state:     StateUninitialized,
		handshake: hs,
	}

	session.mu.Lock()
	err = m.finalizeLocked(session)
	session.mu.Unlock()
	if err != nil {
		return "", nil, err
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Accept",
		"session_id": session.ID,
		"peer_key":   session.RemotePublicKeyHex(),
	}).Debug("Responder handshake complete")

	return session.ID, response, nil
}

// finalizeLocked moves a session with a completed handshake into Ready.
// Caller must hold the session lock.
func (m *SessionManager) finalizeLocked(session *Session) error {
	send, recv, err := session.handshake.GetCipherStates()
	if err != nil {
		session.state = StateClosed
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	remote, err := session.handshake.GetRemoteStaticKey()
	if err != nil {
		session.state = StateClosed
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	session.sendCipher = send
	session.recvCipher = recv
	session.remoteStatic = remote
	session.state = StateReady
	return nil
}

// Encrypt encrypts plaintext for an established session.
func (m *SessionManager) Encrypt(sessionID string, plaintext []byte) ([]byte, error) {
	session, err := m.lookup(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.state != StateReady {
		return nil, fmt.Errorf("%w: %v (state %s)", ErrEncryptionFailed, ErrSessionNotReady, session.state)
	}

	ciphertext, err := session.sendCipher.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return ciphertext, nil
}

// Decrypt decrypts ciphertext for an established session. Decrypting with an
// unknown, closed, or mismatched session fails with ErrDecryptionFailed.
func (m *SessionManager) Decrypt(sessionID string, ciphertext []byte) ([]byte, error) {
	session, err := m.lookup(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.state != StateReady {
		return nil, fmt.Errorf("%w: %v (state %s)", ErrDecryptionFailed, ErrSessionNotReady, session.state)
	}

	plaintext, err := session.recvCipher.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// RemoveSession tears down a session. Safe to call repeatedly; removing an
// unknown session is a no-op.
func (m *SessionManager) RemoveSession(sessionID string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ok {
		session.mu.Lock()
		session.state = StateClosed
		session.handshake = nil
		session.sendCipher = nil
		session.recvCipher = nil
		session.mu.Unlock()
	}
}

// GetSession returns the session for an ID.
func (m *SessionManager) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	return session, ok
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// LocalPublicKeyHex returns the manager's device public key in hex.
func (m *SessionManager) LocalPublicKeyHex() string {
	return m.keyPair.PublicKeyHex()
}

func (m *SessionManager) lookup(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}
