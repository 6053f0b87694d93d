package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/noisepay/discovery"
	"github.com/opd-ai/noisepay/keycache"
	"github.com/opd-ai/noisepay/noise"
	"github.com/opd-ai/noisepay/payment"
)

// Client dials a peer's payment endpoint, drives the initiator handshake,
// and exchanges one payment request per call over the encrypted channel.
//
// Operations are single-flight: one connect, then sequential
// request/response exchanges. Pipelining is not supported.
type Client struct {
	cache  *keycache.Cache
	config ClientConfig

	mu        sync.Mutex
	conn      net.Conn
	sessions  *noise.SessionManager
	sessionID string
}

// NewClient creates a connection client over the given key cache.
func NewClient(cache *keycache.Cache, config ClientConfig) *Client {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	return &Client{
		cache:  cache,
		config: config,
	}
}

// Connect dials the endpoint and completes the initiator handshake.
//
// The handshake bytes are exchanged raw: the first message is written
// unframed and exactly one raw response is read, because the Noise handshake
// defines its own message boundaries. On timeout or failure no partial
// session or transport handle remains.
func (c *Client) Connect(ctx context.Context, endpoint *discovery.EndpointInfo) error {
	if c.cache == nil {
		return ErrNoIdentity
	}
	if endpoint == nil || len(endpoint.ServerPublicKey) != 32 {
		return fmt.Errorf("%w: missing server public key", discovery.ErrInvalidEndpoint)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("%w: already connected", ErrConnectionFailed)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"address":  endpoint.Address(),
		"timeout":  c.config.ConnectTimeout,
	}).Info("Connecting to payment endpoint")

	keyPair, err := c.cache.GetOrDerive(c.config.DeviceID, c.config.Epoch)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.config.ConnectTimeout)
	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint.Address())
	if err != nil {
		return classifyNetError(ctx, err, ErrConnectionFailed)
	}

	// Cancelling the context mid-handshake unblocks the raw reads below.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	sessions, err := noise.NewSessionManager(keyPair)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", noise.ErrHandshakeFailed, err)
	}

	sessionID, firstMsg, err := sessions.Initiate(endpoint.ServerPublicKey, nil)
	if err != nil {
		conn.Close()
		return err
	}

	if err := conn.SetDeadline(deadline); err != nil {
		sessions.RemoveSession(sessionID)
		conn.Close()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	if _, err := conn.Write(firstMsg); err != nil {
		sessions.RemoveSession(sessionID)
		conn.Close()
		return classifyNetError(ctx, err, noise.ErrHandshakeFailed)
	}

	buf := make([]byte, handshakeBufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		sessions.RemoveSession(sessionID)
		conn.Close()
		return classifyNetError(ctx, err, noise.ErrHandshakeFailed)
	}

	if err := sessions.Complete(sessionID, buf[:n]); err != nil {
		sessions.RemoveSession(sessionID)
		conn.Close()
		return err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		sessions.RemoveSession(sessionID)
		conn.Close()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c.conn = conn
	c.sessions = sessions
	c.sessionID = sessionID

	logrus.WithFields(logrus.Fields{
		"function":   "Connect",
		"session_id": sessionID,
	}).Info("Payment session established")

	return nil
}

// SendPaymentRequest sends one encrypted payment request and waits for the
// single framed reply. Exactly one request may be outstanding per session;
// concurrent callers are serialized.
func (c *Client) SendPaymentRequest(ctx context.Context, request *payment.Message) (*payment.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}

	plaintext, err := payment.Encode(request)
	if err != nil {
		return nil, err
	}

	ciphertext, err := c.sessions.Encrypt(c.sessionID, plaintext)
	if err != nil {
		return nil, err
	}

	if err := c.applyRequestDeadline(ctx); err != nil {
		return nil, err
	}
	defer c.conn.SetDeadline(time.Time{})

	if err := WriteFrame(c.conn, ciphertext); err != nil {
		return nil, classifyNetError(ctx, err, ErrConnectionFailed)
	}

	reply, err := ReadFrame(c.conn)
	if err != nil {
		return nil, classifyNetError(ctx, err, ErrConnectionFailed)
	}

	replyPlain, err := c.sessions.Decrypt(c.sessionID, reply)
	if err != nil {
		return nil, err
	}

	response, err := payment.Decode(replyPlain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	if response.Type == payment.TypeError {
		return response, &ServerError{Code: response.Code, Message: response.Message}
	}

	return response, nil
}

// Notify sends one encrypted message without awaiting a reply. Used for
// fire-and-forget messages such as private endpoint offers, which the peer
// consumes silently.
func (c *Client) Notify(ctx context.Context, msg *payment.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	plaintext, err := payment.Encode(msg)
	if err != nil {
		return err
	}
	ciphertext, err := c.sessions.Encrypt(c.sessionID, plaintext)
	if err != nil {
		return err
	}

	if err := c.applyRequestDeadline(ctx); err != nil {
		return err
	}
	defer c.conn.SetDeadline(time.Time{})

	if err := WriteFrame(c.conn, ciphertext); err != nil {
		return classifyNetError(ctx, err, ErrConnectionFailed)
	}
	return nil
}

// Disconnect removes the session and closes the transport. It is idempotent;
// calling it on an unconnected client is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessions != nil && c.sessionID != "" {
		c.sessions.RemoveSession(c.sessionID)
	}
	if c.conn != nil {
		c.conn.Close()
		logrus.WithFields(logrus.Fields{
			"function":   "Disconnect",
			"session_id": c.sessionID,
		}).Debug("Payment session closed")
	}

	c.conn = nil
	c.sessions = nil
	c.sessionID = ""
	return nil
}

// SessionID returns the live session ID, or empty when disconnected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// applyRequestDeadline sets the earliest of the context deadline and the
// configured request timeout on the connection.
func (c *Client) applyRequestDeadline(ctx context.Context) error {
	deadline := time.Time{}
	if c.config.RequestTimeout > 0 {
		deadline = time.Now().Add(c.config.RequestTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// classifyNetError maps raw transport errors into the session-layer taxonomy
// so no net-internal error type crosses the component boundary.
func classifyNetError(ctx context.Context, err error, fallback error) error {
	if ctx != nil && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", fallback, err)
}
