// Package noisepay implements an encrypted payment session layer over TCP.
//
// Peers authenticate each other with the Noise IK handshake using X25519
// static keys derived deterministically from a device seed, then exchange
// JSON payment messages inside length-prefixed ChaCha20-Poly1305 frames.
// This package provides the top-level facade that wires the subsystems
// together: key derivation and caching, session management, endpoint
// discovery, and the connection client and server.
//
// # Getting Started
//
// A payee runs a PaymentServer that auto-confirms incoming receipt requests:
//
//	seed, err := crypto.GenerateSeed()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	server, err := noisepay.NewPaymentServer(seed, nil, noisepay.ServerOptions{
//	    DeviceID: "payee-device",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	status, err := server.Start(0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Stop()
//
//	fmt.Printf("Listening on port %d as %s\n", status.Port, status.PublicKeyHex)
//
// A payer discovers the payee's endpoint and sends a payment request:
//
//	client, err := noisepay.NewPaymentClient(payerSeed, directory, noisepay.ClientOptions{
//	    DeviceID: "payer-device",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := client.SendPayment(ctx, payeePubkey, noisepay.PaymentRequest{
//	    ReceiptID: "rcpt_1",
//	    MethodID:  "lightning",
//	    Amount:    "1000",
//	    Currency:  "SAT",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Confirmed: %s at %d\n", result.ReceiptID, result.ConfirmedAt)
//
// # Subsystems
//
// The facade composes the following packages, each usable on its own:
//
//   - crypto: deterministic X25519 key derivation from a seed (HKDF-SHA512)
//   - keycache: two-layer key cache with epoch eviction and encrypted storage
//   - noise: IK handshake engine and per-session cipher state management
//   - transport: framed TCP client and server carrying encrypted messages
//   - payment: JSON payment message codec and receipt handler interface
//   - discovery: endpoint records and the directory lookup interface
//
// # Error Handling
//
// Failures surface as wrapped sentinel errors re-exported from this package
// (ErrTimeout, ErrHandshakeFailed, ErrEndpointNotFound, and so on), so
// callers classify them with errors.Is without importing the subsystem
// packages. A payee-reported failure arrives as *ServerError carrying the
// peer's error code and message.
package noisepay
