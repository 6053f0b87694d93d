// Package payment defines the JSON message schema exchanged over established
// payment sessions, and the capability interface for generating receipts.
package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownMessageType indicates a decoded message carried an unrecognized type.
var ErrUnknownMessageType = errors.New("unknown payment message type")

// MessageType identifies the kind of payment message.
type MessageType string

const (
	// TypeRequestReceipt asks the payee to issue a receipt for a payment.
	TypeRequestReceipt MessageType = "request_receipt"
	// TypeConfirmReceipt confirms a receipt request.
	TypeConfirmReceipt MessageType = "confirm_receipt"
	// TypeError reports an application-level error to the peer.
	TypeError MessageType = "error"
	// TypePing is a connection keep-alive probe.
	TypePing MessageType = "ping"
	// TypePong answers a ping.
	TypePong MessageType = "pong"
	// TypePrivateEndpointOffer shares a private payment endpoint.
	TypePrivateEndpointOffer MessageType = "private_endpoint_offer"
)

// Message is a payment protocol message. It is a value type serialized to
// JSON inside the encrypted frame; which fields are meaningful depends on
// Type.
type Message struct {
	Type MessageType `json:"type"`

	// Receipt fields (request_receipt / confirm_receipt)
	ReceiptID   string `json:"receipt_id,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Payee       string `json:"payee,omitempty"`
	MethodID    string `json:"method_id,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at,omitempty"`
	ConfirmedAt int64  `json:"confirmed_at,omitempty"`

	// Error fields
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Private endpoint offer fields
	Endpoint  string `json:"endpoint,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// validTypes lists every message type the codec accepts.
var validTypes = map[MessageType]bool{
	TypeRequestReceipt:       true,
	TypeConfirmReceipt:       true,
	TypeError:                true,
	TypePing:                 true,
	TypePong:                 true,
	TypePrivateEndpointOffer: true,
}

// Encode serializes a message to its JSON wire form.
func Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("cannot encode nil message")
	}
	if !validTypes[msg.Type] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment message: %w", err)
	}
	return data, nil
}

// Decode parses a message from its JSON wire form and validates its type.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid payment message JSON: %w", err)
	}
	if !validTypes[msg.Type] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
	return &msg, nil
}

// NewReceiptRequest creates a request_receipt message.
// amount and currency may be empty for flows that do not negotiate them.
func NewReceiptRequest(receiptID, payer, payee, methodID, amount, currency string) *Message {
	return &Message{
		Type:      TypeRequestReceipt,
		ReceiptID: receiptID,
		Payer:     payer,
		Payee:     payee,
		MethodID:  methodID,
		Amount:    amount,
		Currency:  currency,
		CreatedAt: time.Now().Unix(),
	}
}

// NewReceiptConfirmation creates a confirm_receipt message answering a request.
func NewReceiptConfirmation(request *Message) *Message {
	return &Message{
		Type:        TypeConfirmReceipt,
		ReceiptID:   request.ReceiptID,
		Payer:       request.Payer,
		Payee:       request.Payee,
		MethodID:    request.MethodID,
		Amount:      request.Amount,
		Currency:    request.Currency,
		ConfirmedAt: time.Now().Unix(),
	}
}

// NewErrorMessage creates an error message with a machine-readable code.
func NewErrorMessage(code, message string) *Message {
	return &Message{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		CreatedAt: time.Now().Unix(),
	}
}

// NewPrivateEndpointOffer creates a private_endpoint_offer message.
// expiresIn of zero means the offer does not expire.
func NewPrivateEndpointOffer(methodID, endpoint string, expiresIn time.Duration) *Message {
	msg := &Message{
		Type:      TypePrivateEndpointOffer,
		MethodID:  methodID,
		Endpoint:  endpoint,
		CreatedAt: time.Now().Unix(),
	}
	if expiresIn > 0 {
		msg.ExpiresAt = time.Now().Add(expiresIn).Unix()
	}
	return msg
}

// NewPing creates a keep-alive probe.
func NewPing() *Message {
	return &Message{Type: TypePing, CreatedAt: time.Now().Unix()}
}

// NewPong creates the answer to a ping.
func NewPong() *Message {
	return &Message{Type: TypePong, CreatedAt: time.Now().Unix()}
}
