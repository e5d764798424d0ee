package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"selfsigned-mqtt/application"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	BrokerSessionDefaultOperationTimeout  = 5 * time.Second
	BrokerSessionDefaultDisconnectQuiesce = 250 * time.Millisecond
	BrokerSessionDefaultSubscribeQoS      = byte(1)

	subackFailure = byte(0x80)
)

type BrokerSessionParams struct {
	Handler application.SessionHandler

	OperationTimeout  time.Duration
	DisconnectQuiesce time.Duration
	SubscribeQoS      byte

	NewClientFunc func(options *mqtt.ClientOptions) mqtt.Client

	Log zerolog.Logger
}

func (p *BrokerSessionParams) EnsureDefaults() {
	if p.OperationTimeout == 0 {
		p.OperationTimeout = BrokerSessionDefaultOperationTimeout
	}

	if p.DisconnectQuiesce == 0 {
		p.DisconnectQuiesce = BrokerSessionDefaultDisconnectQuiesce
	}

	// only qos 0 and 1 are supported; subscriptions default to qos 1
	if p.SubscribeQoS == 0 || p.SubscribeQoS > 1 {
		p.SubscribeQoS = BrokerSessionDefaultSubscribeQoS
	}

	if p.NewClientFunc == nil {
		p.NewClientFunc = mqtt.NewClient
	}

	if p.Handler == nil {
		p.Handler = nopSessionHandler{}
	}
}

type pendingDelivery struct {
	topic     string
	qos       byte
	size      int
	published time.Time
}

// BrokerSession owns a single MQTT connection over a pinned TLS transport. Every field
// below mu is guarded by it; network waits never hold the lock.
type BrokerSession struct {
	params BrokerSessionParams

	handler       application.SessionHandler
	client        mqtt.Client
	clientID      string
	state         application.ConnectionState
	connectDone   chan struct{}
	dialErr       error
	lostErr       error
	subscriptions map[string]struct{}
	pending       map[application.DeliveryToken]pendingDelivery
	lastToken     application.DeliveryToken
	mu            sync.Mutex

	notifier *notifier

	log zerolog.Logger
}

func NewBrokerSession(params BrokerSessionParams) *BrokerSession {
	params.EnsureDefaults()

	s := &BrokerSession{
		params:        params,
		handler:       params.Handler,
		state:         application.StateDisconnected,
		subscriptions: make(map[string]struct{}),
		pending:       make(map[application.DeliveryToken]pendingDelivery),
		log:           params.Log,
	}
	s.notifier = newNotifier(s.deliver, params.Log)

	return s
}

func (s *BrokerSession) SetHandler(handler application.SessionHandler) {
	if handler == nil {
		handler = nopSessionHandler{}
	}

	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Connect dials the broker through transport and performs the MQTT CONNECT exchange.
// Failures leave the session Disconnected and are reported as *application.ConnectError.
func (s *BrokerSession) Connect(transport application.SecureTransportFactory, endpoint application.BrokerEndpointConfig, opts application.ConnectOptions) error {
	if transport == nil {
		return application.NewConnectError(application.ConnectFailureHandshake, fmt.Errorf("transport factory is required"))
	}
	opts.EnsureDefaults()

	s.mu.Lock()
	if s.state != application.StateDisconnected {
		s.mu.Unlock()
		return application.ErrAlreadyConnectingOrConnected
	}
	done := make(chan struct{})
	s.state = application.StateConnecting
	s.connectDone = done
	s.clientID = opts.ClientID
	s.dialErr = nil
	s.lostErr = nil
	client := s.params.NewClientFunc(s.clientOptions(transport, endpoint, opts))
	s.client = client
	s.mu.Unlock()
	defer close(done)

	s.log.Info().Str("broker", endpoint.URL()).Str("client_id", opts.ClientID).Msg("connecting")

	err := waitConnect(client.Connect(), opts.ConnectTimeout)
	if errors.Is(err, application.ErrConnectTimeout) {
		client.Disconnect(0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		connectErr := s.classifyConnectError(err, opts.ConnectTimeout)
		s.state = application.StateDisconnected
		s.client = nil
		s.log.Error().Err(connectErr).Str("reason", string(connectErr.Reason)).Msg("connect failed")
		return connectErr
	}

	if s.lostErr != nil {
		s.log.Warn().Err(s.lostErr).Msg("connection lost while connecting")
		s.state = application.StateDisconnected
		s.client = nil
		s.notifier.push(sessionEvent{kind: eventConnectionLost, cause: s.lostErr})
		return nil
	}

	s.state = application.StateConnected
	s.log.Info().Msg("connected")
	return nil
}

func (s *BrokerSession) clientOptions(transport application.SecureTransportFactory, endpoint application.BrokerEndpointConfig, opts application.ConnectOptions) *mqtt.ClientOptions {
	options := mqtt.NewClientOptions()

	options.AddBroker(endpoint.URL())
	options.SetClientID(opts.ClientID)
	options.SetKeepAlive(opts.KeepAlive)
	options.SetConnectTimeout(opts.ConnectTimeout)

	// reconnection is the host's decision
	options.SetCleanSession(true)
	options.SetAutoReconnect(false)
	options.SetConnectRetry(false)
	options.SetOrderMatters(true)

	connectTimeout := opts.ConnectTimeout
	options.SetCustomOpenConnectionFn(func(uri *url.URL, _ mqtt.ClientOptions) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		conn, err := transport.Dial(ctx)
		if err != nil {
			s.log.Warn().Err(err).Str("broker", uri.String()).Msg("failed to open secure connection")
			s.mu.Lock()
			s.dialErr = err
			s.mu.Unlock()
			return nil, err
		}
		return conn, nil
	})

	options.SetDefaultPublishHandler(s.OnMessage)
	options.SetOnConnectHandler(s.OnConnect)
	options.SetConnectionLostHandler(s.OnConnectionLost)

	return options
}

// classifyConnectError must be called with mu held.
func (s *BrokerSession) classifyConnectError(err error, timeout time.Duration) *application.ConnectError {
	switch {
	case s.dialErr != nil && errors.Is(s.dialErr, application.ErrTrustValidation):
		return application.NewConnectError(application.ConnectFailureTrustValidation, s.dialErr)
	case s.dialErr != nil:
		return application.NewConnectError(application.ConnectFailureHandshake, s.dialErr)
	case errors.Is(err, application.ErrConnectTimeout):
		return application.NewConnectError(application.ConnectFailureTimeout, fmt.Errorf("no connack within %v", timeout))
	case errors.Is(err, application.ErrTrustValidation):
		return application.NewConnectError(application.ConnectFailureTrustValidation, err)
	case errors.Is(err, application.ErrHandshakeFailed):
		return application.NewConnectError(application.ConnectFailureHandshake, err)
	default:
		return application.NewConnectError(application.ConnectFailureBrokerRejected, err)
	}
}

func (s *BrokerSession) Subscribe(topicFilter string) error {
	s.mu.Lock()
	if s.state != application.StateConnected {
		s.mu.Unlock()
		return application.ErrNotConnected
	}
	if strings.TrimSpace(topicFilter) == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: %w: empty topic filter", application.ErrProtocol, application.ErrInvalidTopic)
	}
	if _, ok := s.subscriptions[topicFilter]; ok {
		s.mu.Unlock()
		return nil
	}
	client := s.client
	s.mu.Unlock()

	token := client.Subscribe(topicFilter, s.params.SubscribeQoS, nil)
	if err := s.waitToken(token, "subscribe"); err != nil {
		s.log.Warn().Err(err).Str("topic", topicFilter).Msg("subscribe failed")
		return fmt.Errorf("%w: subscribe %q: %w", application.ErrProtocol, topicFilter, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if code, found := st.Result()[topicFilter]; found && code == subackFailure {
			return fmt.Errorf("%w: subscribe %q rejected by broker", application.ErrProtocol, topicFilter)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != client || s.state != application.StateConnected {
		s.log.Warn().Str("topic", topicFilter).Msg("connection lost before subscription was confirmed")
		return fmt.Errorf("%w: subscribe %q: connection lost", application.ErrNotConnected, topicFilter)
	}
	s.subscriptions[topicFilter] = struct{}{}

	s.log.Info().Str("topic", topicFilter).Msg("subscribed")
	return nil
}

func (s *BrokerSession) Unsubscribe(topicFilter string) error {
	s.mu.Lock()
	if s.state != application.StateConnected {
		s.mu.Unlock()
		return application.ErrNotConnected
	}
	if _, ok := s.subscriptions[topicFilter]; !ok {
		s.mu.Unlock()
		return nil
	}
	client := s.client
	s.mu.Unlock()

	if err := s.waitToken(client.Unsubscribe(topicFilter), "unsubscribe"); err != nil {
		return fmt.Errorf("%w: unsubscribe %q: %w", application.ErrProtocol, topicFilter, err)
	}

	s.mu.Lock()
	delete(s.subscriptions, topicFilter)
	s.mu.Unlock()

	s.log.Info().Str("topic", topicFilter).Msg("unsubscribed")
	return nil
}

// Publish sends payload to topic. For qos 1 the returned token stays pending until the
// broker acknowledges it and OnDeliveryComplete has been delivered. If the connection is
// lost or closed before the acknowledgement, the token is removed from the pending set
// without OnDeliveryComplete; hosts that need the message must publish it again after
// reconnecting.
func (s *BrokerSession) Publish(topic string, payload []byte, qos byte) (application.DeliveryToken, error) {
	s.mu.Lock()
	if s.state != application.StateConnected {
		s.mu.Unlock()
		return 0, application.ErrNotConnected
	}
	if err := validatePublishTopic(topic); err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %w", application.ErrProtocol, err)
	}
	if qos > 1 {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %w", application.ErrProtocol, application.ErrInvalidQoS)
	}
	s.lastToken++
	deliveryToken := s.lastToken
	if qos > 0 {
		s.pending[deliveryToken] = pendingDelivery{topic: topic, qos: qos, size: len(payload), published: time.Now()}
	}
	client := s.client
	s.mu.Unlock()

	token := client.Publish(topic, qos, false, payload)

	if qos == 0 {
		if err := s.waitToken(token, "publish"); err != nil {
			return 0, fmt.Errorf("%w: publish %q: %w", application.ErrProtocol, topic, err)
		}
		return deliveryToken, nil
	}

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			s.dropPending(deliveryToken)
			return 0, fmt.Errorf("%w: publish %q: %w", application.ErrProtocol, topic, err)
		}
	default:
	}

	released := make(chan struct{})
	defer close(released)
	go s.awaitDelivery(deliveryToken, token, released)

	return deliveryToken, nil
}

// awaitDelivery turns a completed paho token into a delivery-complete event. released
// is closed once Publish has returned the token to its caller.
func (s *BrokerSession) awaitDelivery(deliveryToken application.DeliveryToken, token mqtt.Token, released <-chan struct{}) {
	<-released
	<-token.Done()

	if err := token.Error(); err != nil {
		s.log.Warn().Err(err).Uint64("token", uint64(deliveryToken)).Msg("delivery failed")
		s.dropPending(deliveryToken)
		return
	}

	if !s.notifier.push(sessionEvent{kind: eventDeliveryComplete, token: deliveryToken}) {
		s.dropPending(deliveryToken)
	}
}

func (s *BrokerSession) dropPending(deliveryToken application.DeliveryToken) {
	s.mu.Lock()
	delete(s.pending, deliveryToken)
	s.mu.Unlock()
}

// Disconnect closes the connection. A Connect in flight is allowed to finish first and
// the disconnect is applied to whatever state it leaves behind. The session always ends
// Disconnected; ErrProtocol reports a connection that was already gone.
func (s *BrokerSession) Disconnect() error {
	s.mu.Lock()
	for s.state == application.StateConnecting {
		done := s.connectDone
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}

	switch s.state {
	case application.StateDisconnected:
		s.mu.Unlock()
		return application.ErrNotConnected
	case application.StateDisconnecting:
		s.mu.Unlock()
		return nil
	}

	s.state = application.StateDisconnecting
	client := s.client
	s.mu.Unlock()

	var err error
	if !client.IsConnectionOpen() {
		err = fmt.Errorf("%w: connection already closed", application.ErrProtocol)
	}
	client.Disconnect(uint(s.params.DisconnectQuiesce.Milliseconds()))

	s.mu.Lock()
	s.state = application.StateDisconnected
	s.client = nil
	s.subscriptions = make(map[string]struct{})
	s.mu.Unlock()

	s.log.Info().Msg("disconnected")
	return err
}

// Close disconnects if needed and stops notification delivery after draining it.
func (s *BrokerSession) Close() error {
	err := s.Disconnect()
	if errors.Is(err, application.ErrNotConnected) {
		err = nil
	}

	s.notifier.close()
	return err
}

func (s *BrokerSession) OnConnect(client mqtt.Client) {
	s.log.Debug().Msg("mqtt connection established")
}

func (s *BrokerSession) OnConnectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != client {
		return
	}

	switch s.state {
	case application.StateConnected:
		s.log.Warn().Err(err).Msg("connection lost")
		s.state = application.StateDisconnected
		s.client = nil
		s.subscriptions = make(map[string]struct{})
		s.notifier.push(sessionEvent{kind: eventConnectionLost, cause: err})
	case application.StateConnecting:
		s.lostErr = err
	}
}

func (s *BrokerSession) OnMessage(client mqtt.Client, msg mqtt.Message) {
	s.notifier.push(sessionEvent{
		kind:    eventMessageArrived,
		topic:   msg.Topic(),
		payload: append([]byte(nil), msg.Payload()...),
	})
}

func (s *BrokerSession) deliver(e sessionEvent) {
	s.mu.Lock()
	handler := s.handler
	if e.kind == eventDeliveryComplete {
		if _, ok := s.pending[e.token]; !ok {
			s.mu.Unlock()
			return
		}
		delete(s.pending, e.token)
	}
	s.mu.Unlock()

	switch e.kind {
	case eventConnectionLost:
		handler.OnConnectionLost(e.cause)
	case eventMessageArrived:
		handler.OnMessageArrived(e.topic, e.payload)
	case eventDeliveryComplete:
		handler.OnDeliveryComplete(e.token)
	}
}

func (s *BrokerSession) waitToken(token mqtt.Token, op string) error {
	tc := time.NewTimer(s.params.OperationTimeout)
	defer tc.Stop()

	select {
	case <-tc.C:
		return fmt.Errorf("%s timeout after %v", op, s.params.OperationTimeout)
	case <-token.Done():
		return token.Error()
	}
}

func waitConnect(token mqtt.Token, timeout time.Duration) error {
	tc := time.NewTimer(timeout)
	defer tc.Stop()

	select {
	case <-tc.C:
		return application.ErrConnectTimeout
	case <-token.Done():
		return token.Error()
	}
}

func (s *BrokerSession) State() application.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *BrokerSession) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

func (s *BrokerSession) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]string, 0, len(s.subscriptions))
	for topic := range s.subscriptions {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (s *BrokerSession) PendingDeliveries() []application.DeliveryToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := make([]application.DeliveryToken, 0, len(s.pending))
	for token := range s.pending {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

func (s *BrokerSession) IsPending(token application.DeliveryToken) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[token]
	return ok
}

func (s *BrokerSession) Status() application.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return application.SessionStatus{
		State:             s.state,
		ClientID:          s.clientID,
		Subscriptions:     len(s.subscriptions),
		PendingDeliveries: len(s.pending),
	}
}

func validatePublishTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", application.ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards are not allowed in %q", application.ErrInvalidTopic, topic)
	}
	return nil
}

type nopSessionHandler struct{}

func (nopSessionHandler) OnConnectionLost(error) {}

func (nopSessionHandler) OnMessageArrived(string, []byte) {}

func (nopSessionHandler) OnDeliveryComplete(application.DeliveryToken) {}

var _ application.BrokerSession = &BrokerSession{}
