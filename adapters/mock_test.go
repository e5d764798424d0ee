package adapters

import (
	"context"
	"net"
	"selfsigned-mqtt/application"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/mock"
)

type MockMQTTClient struct {
	mock.Mock
}

func (m *MockMQTTClient) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockMQTTClient) IsConnectionOpen() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockMQTTClient) Connect() mqtt.Token {
	args := m.Called()
	return args.Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	args := m.Called(topic, qos, retained, payload)
	return args.Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	args := m.Called(topic, qos, callback)
	return args.Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	args := m.Called(filters, callback)
	return args.Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	args := m.Called(topics)
	return args.Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	m.Called(topic, callback)
}

func (m *MockMQTTClient) OptionsReader() mqtt.ClientOptionsReader {
	args := m.Called()
	return args.Get(0).(mqtt.ClientOptionsReader)
}

var _ mqtt.Client = &MockMQTTClient{}

type MockToken struct {
	mock.Mock
}

func (m *MockToken) Wait() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockToken) WaitTimeout(duration time.Duration) bool {
	args := m.Called(duration)
	return args.Bool(0)
}

func (m *MockToken) Done() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(<-chan struct{})
}

func (m *MockToken) Error() error {
	args := m.Called()
	return args.Error(0)
}

var _ mqtt.Token = &MockToken{}

func closedDone() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// completedToken returns a token that is already done with err.
func completedToken(err error) *MockToken {
	token := &MockToken{}
	token.On("Done").Return(closedDone())
	token.On("Error").Return(err)
	return token
}

type MockSessionHandler struct {
	mock.Mock
}

func (m *MockSessionHandler) OnConnectionLost(cause error) {
	m.Called(cause)
}

func (m *MockSessionHandler) OnMessageArrived(topic string, payload []byte) {
	m.Called(topic, payload)
}

func (m *MockSessionHandler) OnDeliveryComplete(token application.DeliveryToken) {
	m.Called(token)
}

var _ application.SessionHandler = &MockSessionHandler{}

// recordingHandler keeps every notification in arrival order.
type recordingHandler struct {
	events []string
	tokens []application.DeliveryToken
	mu     sync.Mutex

	notify chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 1024)}
}

func (h *recordingHandler) record(event string) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()

	h.notify <- struct{}{}
}

func (h *recordingHandler) OnConnectionLost(cause error) {
	h.record("lost:" + cause.Error())
}

func (h *recordingHandler) OnMessageArrived(topic string, payload []byte) {
	h.record("message:" + topic + ":" + string(payload))
}

func (h *recordingHandler) OnDeliveryComplete(token application.DeliveryToken) {
	h.mu.Lock()
	h.tokens = append(h.tokens, token)
	h.mu.Unlock()

	h.record("delivered")
}

func (h *recordingHandler) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *recordingHandler) Tokens() []application.DeliveryToken {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]application.DeliveryToken(nil), h.tokens...)
}

// waitEvents blocks until n notifications arrived or the timeout expires.
func (h *recordingHandler) waitEvents(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-h.notify:
		case <-deadline:
			return false
		}
	}
	return true
}

var _ application.SessionHandler = &recordingHandler{}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

var _ mqtt.Message = &fakeMessage{}

// fakeTransport dials with dialFunc, or fails with err when dialFunc is nil.
type fakeTransport struct {
	url      string
	err      error
	dialFunc func(ctx context.Context) (net.Conn, error)
}

func (f *fakeTransport) Dial(ctx context.Context) (net.Conn, error) {
	if f.dialFunc != nil {
		return f.dialFunc(ctx)
	}
	return nil, f.err
}

func (f *fakeTransport) BrokerURL() string {
	return f.url
}

var _ application.SecureTransportFactory = &fakeTransport{}
