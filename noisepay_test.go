package noisepay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/noisepay/crypto"
	"github.com/opd-ai/noisepay/discovery"
	"github.com/opd-ai/noisepay/keycache"
	"github.com/opd-ai/noisepay/payment"
)

func testSeed(t *testing.T) [32]byte {
	t.Helper()
	seed, err := crypto.GenerateSeed()
	require.NoError(t, err)
	return seed
}

// startPayee runs a payment server and publishes its endpoint.
func startPayee(t *testing.T, handler payment.ReceiptHandler, directory discovery.Directory) string {
	t.Helper()

	server, err := NewPaymentServer(testSeed(t), handler, ServerOptions{DeviceID: "payee-device"})
	require.NoError(t, err)

	status, err := server.Start(0)
	require.NoError(t, err)
	t.Cleanup(func() { server.Stop() })

	require.NoError(t, server.Publish(directory, "127.0.0.1", "test payee"))
	return status.PublicKeyHex
}

func TestEndToEndPayment(t *testing.T) {
	directory := discovery.NewMemoryDirectory()
	payeePubkey := startPayee(t, nil, directory)

	client, err := NewPaymentClient(testSeed(t), directory, ClientOptions{
		DeviceID:       "dev-1",
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := client.SendPayment(ctx, payeePubkey, PaymentRequest{
		ReceiptID: "rcpt_1",
		MethodID:  "lightning",
		Amount:    "1000",
		Currency:  "SAT",
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "rcpt_1", result.ReceiptID)
	assert.NotZero(t, result.ConfirmedAt)
}

func TestSendPaymentUnknownPayee(t *testing.T) {
	directory := discovery.NewMemoryDirectory()

	client, err := NewPaymentClient(testSeed(t), directory, ClientOptions{DeviceID: "dev-1"})
	require.NoError(t, err)

	_, err = client.SendPayment(context.Background(), "no-such-pubkey", PaymentRequest{
		ReceiptID: "rcpt_1",
		MethodID:  "lightning",
	})
	assert.ErrorIs(t, err, ErrEndpointNotFound)
}

func TestSendPaymentNoDirectory(t *testing.T) {
	client, err := NewPaymentClient(testSeed(t), nil, ClientOptions{DeviceID: "dev-1"})
	require.NoError(t, err)

	_, err = client.SendPayment(context.Background(), "peer", PaymentRequest{ReceiptID: "rcpt_1"})
	assert.ErrorIs(t, err, ErrEndpointNotFound)
}

// rejectingHandler refuses every receipt request.
type rejectingHandler struct{}

func (rejectingHandler) HandleMessage(msg *payment.Message, peerPubkey, myPubkey string) (*payment.Message, error) {
	if msg.Type == payment.TypeRequestReceipt {
		return nil, fmt.Errorf("payments disabled")
	}
	return nil, nil
}

func TestSendPaymentServerError(t *testing.T) {
	directory := discovery.NewMemoryDirectory()
	payeePubkey := startPayee(t, rejectingHandler{}, directory)

	client, err := NewPaymentClient(testSeed(t), directory, ClientOptions{
		DeviceID:       "dev-1",
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	_, err = client.SendPayment(context.Background(), payeePubkey, PaymentRequest{
		ReceiptID: "rcpt_1",
		MethodID:  "lightning",
	})

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "handler_error", serverErr.Code)
	assert.Contains(t, serverErr.Message, "payments disabled")
}

func TestPaymentClientStableIdentity(t *testing.T) {
	seed := testSeed(t)

	clientA, err := NewPaymentClient(seed, nil, ClientOptions{DeviceID: "dev-1"})
	require.NoError(t, err)
	clientB, err := NewPaymentClient(seed, nil, ClientOptions{DeviceID: "dev-1"})
	require.NoError(t, err)

	// Same seed and device yield the same identity
	assert.Equal(t, clientA.PublicKeyHex(), clientB.PublicKeyHex())

	// A different epoch rotates the identity
	clientC, err := NewPaymentClient(seed, nil, ClientOptions{DeviceID: "dev-1", Epoch: 1})
	require.NoError(t, err)
	assert.NotEqual(t, clientA.PublicKeyHex(), clientC.PublicKeyHex())
}

func TestPaymentClientPersistentStore(t *testing.T) {
	dir := t.TempDir()
	seed := testSeed(t)

	store, err := keycache.NewKeyStore(dir, []byte("master-password"))
	require.NoError(t, err)
	defer store.Close()

	client, err := NewPaymentClient(seed, nil, ClientOptions{DeviceID: "dev-1", Store: store})
	require.NoError(t, err)

	// Reopening over the same store restores the identity from disk
	reopened, err := NewPaymentClient(seed, nil, ClientOptions{DeviceID: "dev-1", Store: store})
	require.NoError(t, err)
	assert.Equal(t, client.PublicKeyHex(), reopened.PublicKeyHex())
}

func TestServerPublishRequiresRunning(t *testing.T) {
	server, err := NewPaymentServer(testSeed(t), nil, ServerOptions{DeviceID: "payee-device"})
	require.NoError(t, err)

	directory := discovery.NewMemoryDirectory()
	err = server.Publish(directory, "127.0.0.1", "")
	assert.Error(t, err)
}
