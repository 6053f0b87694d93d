package noisepay

import (
	"github.com/opd-ai/noisepay/discovery"
	"github.com/opd-ai/noisepay/keycache"
	"github.com/opd-ai/noisepay/noise"
	"github.com/opd-ai/noisepay/transport"
)

// Sentinel errors from the subsystem packages, re-exported so callers can
// classify failures with errors.Is against this package alone.
var (
	// ErrNoIdentity indicates no key cache was configured for the operation.
	ErrNoIdentity = transport.ErrNoIdentity

	// ErrKeyDerivationFailed indicates the device seed could not produce a
	// usable key pair for the requested device and epoch.
	ErrKeyDerivationFailed = keycache.ErrKeyDerivationFailed

	// ErrEndpointNotFound indicates the directory has no endpoint published
	// for the requested peer.
	ErrEndpointNotFound = discovery.ErrEndpointNotFound

	// ErrInvalidEndpoint indicates an endpoint record that could not be
	// parsed or carries an unusable public key.
	ErrInvalidEndpoint = discovery.ErrInvalidEndpoint

	// ErrConnectionFailed indicates the TCP transport could not be
	// established or broke mid-exchange.
	ErrConnectionFailed = transport.ErrConnectionFailed

	// ErrHandshakeFailed indicates the Noise IK handshake was rejected.
	ErrHandshakeFailed = noise.ErrHandshakeFailed

	// ErrEncryptionFailed indicates a plaintext could not be encrypted for
	// the session.
	ErrEncryptionFailed = noise.ErrEncryptionFailed

	// ErrDecryptionFailed indicates a ciphertext failed authentication or
	// arrived for an unknown session.
	ErrDecryptionFailed = noise.ErrDecryptionFailed

	// ErrInvalidResponse indicates the peer replied with bytes that do not
	// decode as a payment message.
	ErrInvalidResponse = transport.ErrInvalidResponse

	// ErrTimeout indicates a connect or request deadline elapsed.
	ErrTimeout = transport.ErrTimeout

	// ErrCancelled indicates the caller's context was cancelled.
	ErrCancelled = transport.ErrCancelled
)

// ServerError carries an error code and message reported by the remote peer
// inside an encrypted error reply.
type ServerError = transport.ServerError
