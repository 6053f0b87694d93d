package noisepay

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/noisepay/discovery"
	"github.com/opd-ai/noisepay/keycache"
	"github.com/opd-ai/noisepay/payment"
	"github.com/opd-ai/noisepay/transport"
)

// ClientOptions configures a PaymentClient.
type ClientOptions struct {
	// DeviceID scopes key derivation; distinct devices derive distinct keys
	// from the same seed. Required.
	DeviceID string

	// Epoch selects the key generation to use. Zero is the first epoch.
	Epoch uint32

	// ConnectTimeout bounds dialing plus the handshake. Zero means the
	// transport default of 30 seconds.
	ConnectTimeout time.Duration

	// RequestTimeout bounds each request/response exchange. Zero means no
	// per-request bound beyond the caller's context.
	RequestTimeout time.Duration

	// Store, when set, persists derived keys encrypted at rest so restarts
	// skip re-derivation. Nil keeps keys in memory only.
	Store *keycache.KeyStore

	// MaxCachedEpochs bounds how many epochs per device stay cached. Zero
	// means the cache default.
	MaxCachedEpochs int
}

// ServerOptions configures a PaymentServer.
type ServerOptions struct {
	// DeviceID scopes key derivation. Required.
	DeviceID string

	// Epoch selects the key generation to use.
	Epoch uint32

	// MaxConnections caps simultaneous peers. Zero means the transport
	// default of 10.
	MaxConnections int

	// Store, when set, persists derived keys encrypted at rest.
	Store *keycache.KeyStore

	// MaxCachedEpochs bounds how many epochs per device stay cached.
	MaxCachedEpochs int
}

// PaymentRequest describes one payment the client asks the payee to receipt.
type PaymentRequest struct {
	ReceiptID   string
	MethodID    string
	Amount      string
	Currency    string
	Description string
}

// PaymentResult reports a confirmed payment.
type PaymentResult struct {
	Success     bool
	ReceiptID   string
	ConfirmedAt int64
}

// PaymentClient discovers payee endpoints and runs complete payment
// exchanges: discover, connect, request, confirm, disconnect.
type PaymentClient struct {
	cache     *keycache.Cache
	directory discovery.Directory
	options   ClientOptions
	pubkeyHex string
}

// NewPaymentClient builds a client identity from the seed and wires it to
// the given endpoint directory.
func NewPaymentClient(seed [32]byte, directory discovery.Directory, options ClientOptions) (*PaymentClient, error) {
	cache, err := keycache.New(seed, keycache.Config{MaxCachedEpochs: options.MaxCachedEpochs}, options.Store)
	if err != nil {
		return nil, err
	}

	keyPair, err := cache.GetOrDerive(options.DeviceID, options.Epoch)
	if err != nil {
		return nil, err
	}

	return &PaymentClient{
		cache:     cache,
		directory: directory,
		options:   options,
		pubkeyHex: keyPair.PublicKeyHex(),
	}, nil
}

// PublicKeyHex returns the client's static public key for the configured
// device and epoch.
func (c *PaymentClient) PublicKeyHex() string {
	return c.pubkeyHex
}

// SendPayment runs one full payment exchange against the payee identified by
// its public key: the endpoint is discovered, a session is established, the
// receipt request is sent, and the connection is torn down before returning.
func (c *PaymentClient) SendPayment(ctx context.Context, payeePubkey string, request PaymentRequest) (*PaymentResult, error) {
	if c.directory == nil {
		return nil, fmt.Errorf("%w: no directory configured", ErrEndpointNotFound)
	}

	endpoint, err := c.directory.Discover(payeePubkey)
	if err != nil {
		return nil, err
	}

	client := transport.NewClient(c.cache, transport.ClientConfig{
		ConnectTimeout: c.options.ConnectTimeout,
		RequestTimeout: c.options.RequestTimeout,
		DeviceID:       c.options.DeviceID,
		Epoch:          c.options.Epoch,
	})

	if err := client.Connect(ctx, endpoint); err != nil {
		return nil, err
	}
	defer client.Disconnect()

	msg := payment.NewReceiptRequest(request.ReceiptID, c.pubkeyHex, payeePubkey,
		request.MethodID, request.Amount, request.Currency)
	msg.Description = request.Description

	response, err := client.SendPaymentRequest(ctx, msg)
	if err != nil {
		return nil, err
	}

	if response.Type != payment.TypeConfirmReceipt {
		return nil, fmt.Errorf("%w: expected confirmation, got %q", ErrInvalidResponse, response.Type)
	}
	if response.ReceiptID != request.ReceiptID {
		return nil, fmt.Errorf("%w: confirmation for receipt %q, requested %q",
			ErrInvalidResponse, response.ReceiptID, request.ReceiptID)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SendPayment",
		"receipt_id": response.ReceiptID,
		"payee":      payeePubkey,
	}).Info("Payment confirmed")

	return &PaymentResult{
		Success:     true,
		ReceiptID:   response.ReceiptID,
		ConfirmedAt: response.ConfirmedAt,
	}, nil
}

// PaymentServer accepts inbound payment sessions and dispatches receipt
// requests to a handler.
type PaymentServer struct {
	cache   *keycache.Cache
	server  *transport.Server
	options ServerOptions
}

// NewPaymentServer builds a server identity from the seed. A nil handler
// installs the auto-confirming DemoHandler.
func NewPaymentServer(seed [32]byte, handler payment.ReceiptHandler, options ServerOptions) (*PaymentServer, error) {
	cache, err := keycache.New(seed, keycache.Config{MaxCachedEpochs: options.MaxCachedEpochs}, options.Store)
	if err != nil {
		return nil, err
	}

	if handler == nil {
		handler = &payment.DemoHandler{}
	}

	server := transport.NewServer(cache, handler, transport.ServerConfig{
		MaxConnections: options.MaxConnections,
		DeviceID:       options.DeviceID,
		Epoch:          options.Epoch,
	})

	return &PaymentServer{
		cache:   cache,
		server:  server,
		options: options,
	}, nil
}

// Start binds the listener on the given port (0 selects an ephemeral port)
// and reports the running status, including the server's public key that
// peers dial by.
func (s *PaymentServer) Start(port uint16) (*transport.ServerStatus, error) {
	return s.server.Start(port)
}

// Stop shuts the server down and closes all live connections.
func (s *PaymentServer) Stop() error {
	return s.server.Stop()
}

// Status reports the listening state and connection counters.
func (s *PaymentServer) Status() *transport.ServerStatus {
	return s.server.Status()
}

// Publish registers the server's endpoint in the directory so payers can
// discover it by public key.
func (s *PaymentServer) Publish(directory discovery.Directory, host string, metadata string) error {
	status := s.server.Status()
	if !status.Running {
		return transport.ErrServerNotRunning
	}

	keyPair, err := s.cache.GetOrDerive(s.options.DeviceID, s.options.Epoch)
	if err != nil {
		return err
	}

	return directory.Publish(keyPair.PublicKeyHex(), &discovery.EndpointInfo{
		Host:            host,
		Port:            status.Port,
		ServerPublicKey: keyPair.PublicKey[:],
		Metadata:        metadata,
	})
}
