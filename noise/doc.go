// Package noise provides the Noise Protocol handshake engine and session
// management for noisepay payment channels.
//
// The package implements the IK (Initiator with Knowledge) pattern using the
// formally verified flynn/noise library with ChaCha20-Poly1305 encryption,
// SHA256 hashing, and Curve25519 key exchange. IK fits payment sessions
// because the payer discovers the payee's static public key from the
// directory before connecting.
//
// # IK Pattern
//
// Security properties:
//   - Mutual authentication: Both parties verify each other's identity
//   - Forward secrecy: Compromise of long-term keys doesn't expose past sessions
//   - Identity hiding: Initiator's identity protected from passive observers
//
// Message flow (1 round trip):
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e, es, s, ss  (ephemeral, static)
//	                                       <- e, ee, se  (ephemeral)
//	[session established]
//
// # Session Management
//
// SessionManager owns a concurrent table of sessions keyed by opaque session
// IDs. A session moves through Uninitialized -> HandshakeSent -> Ready ->
// Closed on the initiator side, and Uninitialized -> Ready -> Closed on the
// responder side (producing the response completes the responder
// unilaterally). Any handshake error closes the session permanently; a
// failure may indicate a man-in-the-middle or stale key material, so it is
// never retried transparently.
//
// Example usage:
//
//	mgr, err := noise.NewSessionManager(keyPair)
//	if err != nil {
//	    return err
//	}
//	sessionID, firstMsg, err := mgr.Initiate(serverPubKey, nil)
//	// Transmit firstMsg raw, read the peer's raw reply...
//	if err := mgr.Complete(sessionID, reply); err != nil {
//	    return err
//	}
//	ciphertext, err := mgr.Encrypt(sessionID, plaintext)
//
// # Thread Safety
//
// The session table supports concurrent Initiate/Accept/RemoveSession.
// Encrypt and Decrypt serialize per session, preserving the cipher nonce
// sequence; calls on distinct sessions run independently.
//
// # Error Handling
//
// Common errors returned by session operations:
//   - ErrHandshakeFailed: handshake error, session closed permanently
//   - ErrSessionNotFound: no session exists for the given ID
//   - ErrEncryptionFailed / ErrDecryptionFailed: transport cipher failures,
//     including use of a session that is not Ready
package noise
