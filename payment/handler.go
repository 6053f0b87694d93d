package payment

import (
	"github.com/sirupsen/logrus"
)

// ReceiptHandler is the capability interface that decides whether an inbound
// payment message is accepted and what response to emit. One implementation
// is selected per deployment at construction time.
//
// HandleMessage returns the response to send back, or nil when the message
// warrants no reply. Returning an error causes the server to answer with an
// encrypted error message while keeping the connection open.
type ReceiptHandler interface {
	HandleMessage(msg *Message, peerPubkey, myPubkey string) (*Message, error)
}

// DemoHandler auto-confirms every receipt request. It stands in for real
// payment business logic in demos and tests.
type DemoHandler struct{}

// HandleMessage confirms receipt requests and ignores everything else.
func (DemoHandler) HandleMessage(msg *Message, peerPubkey, myPubkey string) (*Message, error) {
	switch msg.Type {
	case TypeRequestReceipt:
		logrus.WithFields(logrus.Fields{
			"function":   "HandleMessage",
			"receipt_id": msg.ReceiptID,
			"method_id":  msg.MethodID,
			"peer":       peerPubkey,
		}).Info("Auto-confirming receipt request")
		return NewReceiptConfirmation(msg), nil
	case TypePrivateEndpointOffer:
		// Offers carry no obligation to reply.
		return nil, nil
	default:
		return nil, nil
	}
}
