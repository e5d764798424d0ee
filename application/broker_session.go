package application

import (
	"context"
	"net"
	"time"
)

const (
	DefaultKeepAlive      = 60 * time.Second
	DefaultConnectTimeout = 60 * time.Second
)

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// DeliveryToken correlates a qos 1 Publish with its OnDeliveryComplete notification.
type DeliveryToken uint64

// SecureTransportFactory opens new secure connections to the configured broker.
type SecureTransportFactory interface {
	Dial(ctx context.Context) (net.Conn, error)
	BrokerURL() string
}

type ConnectOptions struct {
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

func (o *ConnectOptions) EnsureDefaults() {
	if o.KeepAlive == 0 {
		o.KeepAlive = DefaultKeepAlive
	}

	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
}

// SessionHandler receives inbound session events. Calls are never concurrent with each
// other and arrive in the order the session observed them.
type SessionHandler interface {
	OnConnectionLost(cause error)
	OnMessageArrived(topic string, payload []byte)
	OnDeliveryComplete(token DeliveryToken)
}

type SessionStatus struct {
	State             ConnectionState
	ClientID          string
	Subscriptions     int
	PendingDeliveries int
}

type BrokerSession interface {
	Connect(transport SecureTransportFactory, endpoint BrokerEndpointConfig, opts ConnectOptions) error
	Subscribe(topicFilter string) error
	Unsubscribe(topicFilter string) error
	Publish(topic string, payload []byte, qos byte) (DeliveryToken, error)
	Disconnect() error

	SetHandler(handler SessionHandler)
	State() ConnectionState
	Status() SessionStatus
}
