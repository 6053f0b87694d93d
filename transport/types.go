package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var (
	// ErrNoIdentity indicates no key cache/identity was configured.
	ErrNoIdentity = errors.New("no identity configured")
	// ErrConnectionFailed indicates the transport could not be established.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrTimeout indicates an operation exceeded its configured deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrCancelled indicates the caller cancelled an in-flight operation.
	ErrCancelled = errors.New("operation cancelled")
	// ErrInvalidResponse indicates the peer sent a malformed or unexpected reply.
	ErrInvalidResponse = errors.New("invalid response from peer")
	// ErrNotConnected indicates a request was attempted without a live session.
	ErrNotConnected = errors.New("not connected")
	// ErrServerNotRunning indicates the server has not been started.
	ErrServerNotRunning = errors.New("server not running")
)

// ServerError is an application-level error the peer reported inside an
// encrypted error message.
type ServerError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// DefaultConnectTimeout bounds dial plus handshake on the client side.
const DefaultConnectTimeout = 30 * time.Second

// DefaultMaxConnections is the server-side concurrent connection limit.
const DefaultMaxConnections = 10

// DefaultHandshakeTimeout bounds the raw handshake exchange on a new inbound
// connection, so idle peers cannot hold connection slots.
const DefaultHandshakeTimeout = 30 * time.Second

// handshakeBufferSize bounds a single raw handshake read. IK handshake
// messages are well under this even with a payload attached.
const handshakeBufferSize = 1024

// ClientConfig tunes the connection client.
type ClientConfig struct {
	// ConnectTimeout bounds the dial and handshake. Zero means the default 30s.
	ConnectTimeout time.Duration `json:"connect_timeout"`
	// RequestTimeout bounds one request/response exchange. Zero means no limit
	// beyond context cancellation.
	RequestTimeout time.Duration `json:"request_timeout"`
	// DeviceID and Epoch select the local key pair from the cache.
	DeviceID string `json:"device_id"`
	Epoch    uint32 `json:"epoch"`
}

// DefaultClientConfig returns the default client configuration for a device.
func DefaultClientConfig(deviceID string, epoch uint32) ClientConfig {
	return ClientConfig{
		ConnectTimeout: DefaultConnectTimeout,
		DeviceID:       deviceID,
		Epoch:          epoch,
	}
}

// ServerConfig tunes the connection server.
type ServerConfig struct {
	// MaxConnections limits concurrent inbound connections; excess connections
	// are refused at accept. Zero means the default of 10.
	MaxConnections int `json:"max_connections"`
	// HandshakeTimeout bounds the raw handshake exchange on each new inbound
	// connection. Zero means the default 30s.
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	// DeviceID and Epoch select the server key pair from the cache.
	DeviceID string `json:"device_id"`
	Epoch    uint32 `json:"epoch"`
}

// DefaultServerConfig returns the default server configuration for a device.
func DefaultServerConfig(deviceID string, epoch uint32) ServerConfig {
	return ServerConfig{
		MaxConnections:   DefaultMaxConnections,
		HandshakeTimeout: DefaultHandshakeTimeout,
		DeviceID:         deviceID,
		Epoch:            epoch,
	}
}

// ServerStatus is a point-in-time snapshot of the server.
type ServerStatus struct {
	Running           bool   `json:"running"`
	Port              uint16 `json:"port"`
	PublicKeyHex      string `json:"public_key_hex"`
	ActiveConnections int    `json:"active_connections"`
	TotalConnections  uint64 `json:"total_connections"`
}

// connectionRecord tracks one inbound connection. The read loop goroutine
// fills in the session fields during the handshake while Stop or
// CloseConnection may already be tearing the record down from another
// goroutine, so those fields are guarded by the record mutex.
type connectionRecord struct {
	id   string
	conn net.Conn

	mu                sync.Mutex
	sessionID         string
	handshakeComplete bool
	peerPublicKeyHex  string
}
