package application

import (
	"context"
	"net"

	"github.com/stretchr/testify/mock"
)

type MockBrokerSession struct {
	mock.Mock
}

func (m *MockBrokerSession) Connect(transport SecureTransportFactory, endpoint BrokerEndpointConfig, opts ConnectOptions) error {
	args := m.Called(transport, endpoint, opts)
	return args.Error(0)
}

func (m *MockBrokerSession) Subscribe(topicFilter string) error {
	args := m.Called(topicFilter)
	return args.Error(0)
}

func (m *MockBrokerSession) Unsubscribe(topicFilter string) error {
	args := m.Called(topicFilter)
	return args.Error(0)
}

func (m *MockBrokerSession) Publish(topic string, payload []byte, qos byte) (DeliveryToken, error) {
	args := m.Called(topic, payload, qos)
	return args.Get(0).(DeliveryToken), args.Error(1)
}

func (m *MockBrokerSession) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockBrokerSession) SetHandler(handler SessionHandler) {
	m.Called(handler)
}

func (m *MockBrokerSession) State() ConnectionState {
	args := m.Called()
	return args.Get(0).(ConnectionState)
}

func (m *MockBrokerSession) Status() SessionStatus {
	args := m.Called()
	return args.Get(0).(SessionStatus)
}

var _ BrokerSession = &MockBrokerSession{}

type stubTransport struct{}

func (stubTransport) Dial(ctx context.Context) (net.Conn, error) {
	return nil, ErrHandshakeFailed
}

func (stubTransport) BrokerURL() string {
	return "tls://broker.example.org:8883"
}

var _ SecureTransportFactory = stubTransport{}
