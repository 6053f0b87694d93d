package noise

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/noisepay/crypto"
)

func newTestManager(t *testing.T, deviceID string) (*SessionManager, *crypto.KeyPairRecord) {
	t.Helper()
	keyPair := generateTestKeyPair(t, deviceID)
	manager, err := NewSessionManager(keyPair)
	require.NoError(t, err)
	return manager, keyPair
}

// establishSessions runs a full handshake between two managers and returns
// the initiator-side and responder-side session IDs.
func establishSessions(t *testing.T, client, server *SessionManager, serverKey []byte) (string, string) {
	t.Helper()

	clientSID, firstMsg, err := client.Initiate(serverKey, nil)
	require.NoError(t, err)

	serverSID, response, err := server.Accept(firstMsg)
	require.NoError(t, err)

	require.NoError(t, client.Complete(clientSID, response))
	return clientSID, serverSID
}

func TestSessionManagerRequiresKeyPair(t *testing.T) {
	_, err := NewSessionManager(nil)
	assert.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	client, _ := newTestManager(t, "payer-device")
	server, serverKeys := newTestManager(t, "payee-device")

	clientSID, firstMsg, err := client.Initiate(serverKeys.PublicKey[:], nil)
	require.NoError(t, err)

	session, ok := client.GetSession(clientSID)
	require.True(t, ok)
	assert.Equal(t, StateHandshakeSent, session.State())

	serverSID, response, err := server.Accept(firstMsg)
	require.NoError(t, err)

	serverSession, ok := server.GetSession(serverSID)
	require.True(t, ok)
	assert.Equal(t, StateReady, serverSession.State())

	require.NoError(t, client.Complete(clientSID, response))
	assert.Equal(t, StateReady, session.State())

	// Both sides identify each other by static key
	assert.Equal(t, server.LocalPublicKeyHex(), session.RemotePublicKeyHex())
	assert.Equal(t, client.LocalPublicKeyHex(), serverSession.RemotePublicKeyHex())
}

func TestSessionEncryptDecryptSymmetry(t *testing.T) {
	client, _ := newTestManager(t, "payer-device")
	server, serverKeys := newTestManager(t, "payee-device")
	clientSID, serverSID := establishSessions(t, client, server, serverKeys.PublicKey[:])

	// Client -> server
	plaintext := []byte(`{"type":"request_receipt"}`)
	ciphertext, err := client.Encrypt(clientSID, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := server.Decrypt(serverSID, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	// Server -> client
	reply := []byte(`{"type":"confirm_receipt"}`)
	ciphertext, err = server.Encrypt(serverSID, reply)
	require.NoError(t, err)

	decrypted, err = client.Decrypt(clientSID, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, reply, decrypted)
}

func TestSessionEncryptBeforeReady(t *testing.T) {
	client, _ := newTestManager(t, "payer-device")
	_, serverKeys := newTestManager(t, "payee-device")

	clientSID, _, err := client.Initiate(serverKeys.PublicKey[:], nil)
	require.NoError(t, err)

	_, err = client.Encrypt(clientSID, []byte("too early"))
	assert.ErrorIs(t, err, ErrEncryptionFailed)
}

func TestSessionUnknownID(t *testing.T) {
	manager, _ := newTestManager(t, "payer-device")

	_, err := manager.Encrypt("no-such-session", []byte("data"))
	assert.ErrorIs(t, err, ErrEncryptionFailed)

	// Unknown sessions surface as decryption failures so transport callers
	// need only one error class for bad inbound frames.
	_, err = manager.Decrypt("no-such-session", []byte("data"))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSessionForeignCiphertext(t *testing.T) {
	client, _ := newTestManager(t, "payer-device")
	server, serverKeys := newTestManager(t, "payee-device")
	clientSID, serverSID := establishSessions(t, client, server, serverKeys.PublicKey[:])

	other, _ := newTestManager(t, "other-device")
	otherSID, otherServerSID := establishSessions(t, other, server, serverKeys.PublicKey[:])
	_ = otherSID

	// Ciphertext from one session fails authentication on another
	ciphertext, err := client.Encrypt(clientSID, []byte("for the first session"))
	require.NoError(t, err)

	_, err = server.Decrypt(otherServerSID, ciphertext)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	// The original session still works
	plaintext, err := server.Decrypt(serverSID, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("for the first session"), plaintext)
}

func TestSessionCompleteFailureCloses(t *testing.T) {
	client, _ := newTestManager(t, "payer-device")
	_, serverKeys := newTestManager(t, "payee-device")

	clientSID, _, err := client.Initiate(serverKeys.PublicKey[:], nil)
	require.NoError(t, err)

	err = client.Complete(clientSID, []byte("garbage response"))
	require.ErrorIs(t, err, ErrHandshakeFailed)

	session, ok := client.GetSession(clientSID)
	require.True(t, ok)
	assert.Equal(t, StateClosed, session.State())

	// A failed handshake is never retried
	err = client.Complete(clientSID, []byte("garbage response"))
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestSessionAcceptGarbage(t *testing.T) {
	server, _ := newTestManager(t, "payee-device")

	_, _, err := server.Accept([]byte("not a handshake message"))
	require.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, 0, server.Count())
}

func TestRemoveSessionIdempotent(t *testing.T) {
	client, _ := newTestManager(t, "payer-device")
	server, serverKeys := newTestManager(t, "payee-device")
	clientSID, _ := establishSessions(t, client, server, serverKeys.PublicKey[:])

	require.Equal(t, 1, client.Count())
	client.RemoveSession(clientSID)
	assert.Equal(t, 0, client.Count())

	// Repeat removal and removal of unknown IDs are no-ops
	client.RemoveSession(clientSID)
	client.RemoveSession("never-existed")
	assert.Equal(t, 0, client.Count())

	// The removed session is unusable
	_, err := client.Encrypt(clientSID, []byte("data"))
	assert.True(t, errors.Is(err, ErrEncryptionFailed))
}

func TestSessionManagerMultipleSessions(t *testing.T) {
	server, serverKeys := newTestManager(t, "payee-device")

	clientA, _ := newTestManager(t, "payer-a")
	clientB, _ := newTestManager(t, "payer-b")

	sidA, serverSIDA := establishSessions(t, clientA, server, serverKeys.PublicKey[:])
	sidB, serverSIDB := establishSessions(t, clientB, server, serverKeys.PublicKey[:])

	assert.Equal(t, 2, server.Count())
	assert.NotEqual(t, serverSIDA, serverSIDB)

	// Each pairing is independent
	ct, err := clientA.Encrypt(sidA, []byte("from A"))
	require.NoError(t, err)
	pt, err := server.Decrypt(serverSIDA, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("from A"), pt)

	ct, err = clientB.Encrypt(sidB, []byte("from B"))
	require.NoError(t, err)
	pt, err = server.Decrypt(serverSIDB, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("from B"), pt)
}
