package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const DefaultReportInterval = 30 * time.Second

var ErrServiceAlreadyStarted = fmt.Errorf("service already started")

type SelfSignedMQTTService interface {
	Run(ctx context.Context) error
	Start(ctx context.Context) error
	Stop() error

	Publish(topic string, payload []byte, qos byte) (DeliveryToken, error)
	Stats() ServiceStats
}

type SelfSignedMQTTServiceParams struct {
	Session        BrokerSession
	Transport      SecureTransportFactory
	Endpoint       BrokerEndpointConfig
	ConnectOptions ConnectOptions

	Topics []string

	// ReconnectInterval > 0 makes the service reconnect after a lost connection
	// instead of returning from Run.
	ReconnectInterval time.Duration
	ReportInterval    time.Duration

	OnMessage func(topic string, payload []byte)

	Log zerolog.Logger
}

func (p *SelfSignedMQTTServiceParams) EnsureDefaults() {
	if p.ReportInterval == 0 {
		p.ReportInterval = DefaultReportInterval
	}

	p.ConnectOptions.EnsureDefaults()
}

type ServiceStats struct {
	Session SessionStatus

	MessagesReceived    uint64
	DeliveriesCompleted uint64
	ConnectionsLost     uint64
	LastMessageTime     time.Time
}

type selfSignedMQTTService struct {
	params SelfSignedMQTTServiceParams

	lost chan error

	messagesReceived    uint64
	deliveriesCompleted uint64
	connectionsLost     uint64
	lastMessageTime     atomic.Pointer[time.Time]

	cancel context.CancelFunc
	done   chan error
	mu     sync.Mutex

	log zerolog.Logger
}

// NewSelfSignedMQTTService wires the service as the session's notification handler.
func NewSelfSignedMQTTService(params SelfSignedMQTTServiceParams) (SelfSignedMQTTService, error) {
	if params.Session == nil {
		return nil, fmt.Errorf("Session is nil")
	}
	if params.Transport == nil {
		return nil, fmt.Errorf("Transport is nil")
	}
	if params.Endpoint.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidEndpoint)
	}
	params.EnsureDefaults()

	s := &selfSignedMQTTService{
		params: params,
		lost:   make(chan error, 1),
		log:    params.Log,
	}

	t := time.Unix(0, 0)
	s.lastMessageTime.Store(&t)

	params.Session.SetHandler(s)
	return s, nil
}

func (s *selfSignedMQTTService) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// session lifecycle
	g.Go(func() error {
		s.log.Info().Str("broker", s.params.Endpoint.URL()).Msg("start session")
		defer s.log.Info().Msg("stop session")

		return s.runSession(gctx)
	})

	// status reporter
	g.Go(func() error {
		ticker := time.NewTicker(s.params.ReportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				stats := s.Stats()
				s.log.Info().
					Str("state", stats.Session.State.String()).
					Int("subscriptions", stats.Session.Subscriptions).
					Int("pending_deliveries", stats.Session.PendingDeliveries).
					Uint64("messages_received", stats.MessagesReceived).
					Uint64("deliveries_completed", stats.DeliveriesCompleted).
					Uint64("connections_lost", stats.ConnectionsLost).
					Time("last_message_time", stats.LastMessageTime).
					Msg("session report")
			}
		}
	})

	return g.Wait()
}

func (s *selfSignedMQTTService) runSession(ctx context.Context) error {
	if err := s.establish(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			if err := s.params.Session.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
				s.log.Warn().Err(err).Msg("disconnect was not clean")
			}
			return nil
		case cause := <-s.lost:
			// a loss reported while a previous reconnect was still subscribing
			if s.params.Session.State() == StateConnected {
				s.log.Debug().Err(cause).Msg("ignoring stale connection loss")
				continue
			}
			if s.params.ReconnectInterval <= 0 {
				return fmt.Errorf("connection lost: %w", cause)
			}
			s.reconnect(ctx)
		}
	}
}

// establish connects and subscribes to every configured topic. A failed subscribe
// disconnects again so the next attempt starts from Disconnected.
func (s *selfSignedMQTTService) establish() error {
	err := s.params.Session.Connect(s.params.Transport, s.params.Endpoint, s.params.ConnectOptions)
	if err != nil {
		return err
	}

	for _, topic := range s.params.Topics {
		if err := s.params.Session.Subscribe(topic); err != nil {
			_ = s.params.Session.Disconnect()
			return err
		}
	}
	return nil
}

func (s *selfSignedMQTTService) reconnect(ctx context.Context) {
	ticker := time.NewTicker(s.params.ReconnectInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.establish(); err != nil {
				s.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
				continue
			}
			s.log.Info().Int("attempt", attempt).Msg("reconnected")
			return
		}
	}
}

func (s *selfSignedMQTTService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrServiceAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	s.cancel = cancel
	s.done = done

	go func() {
		done <- s.Run(runCtx)
	}()
	return nil
}

// Stop cancels a service started with Start and returns the error Run finished with.
func (s *selfSignedMQTTService) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	return <-done
}

func (s *selfSignedMQTTService) Publish(topic string, payload []byte, qos byte) (DeliveryToken, error) {
	return s.params.Session.Publish(topic, payload, qos)
}

func (s *selfSignedMQTTService) Stats() ServiceStats {
	return ServiceStats{
		Session:             s.params.Session.Status(),
		MessagesReceived:    atomic.LoadUint64(&s.messagesReceived),
		DeliveriesCompleted: atomic.LoadUint64(&s.deliveriesCompleted),
		ConnectionsLost:     atomic.LoadUint64(&s.connectionsLost),
		LastMessageTime:     *s.lastMessageTime.Load(),
	}
}

func (s *selfSignedMQTTService) OnConnectionLost(cause error) {
	atomic.AddUint64(&s.connectionsLost, 1)
	s.log.Warn().Err(cause).Msg("connection lost")

	select {
	case s.lost <- cause:
	default:
	}
}

func (s *selfSignedMQTTService) OnMessageArrived(topic string, payload []byte) {
	atomic.AddUint64(&s.messagesReceived, 1)
	t := time.Now()
	s.lastMessageTime.Store(&t)

	s.log.Info().Str("topic", topic).Int("size", len(payload)).Msg("message arrived")

	if s.params.OnMessage != nil {
		s.params.OnMessage(topic, payload)
	}
}

func (s *selfSignedMQTTService) OnDeliveryComplete(token DeliveryToken) {
	atomic.AddUint64(&s.deliveriesCompleted, 1)
	s.log.Debug().Uint64("token", uint64(token)).Msg("delivery completed")
}

var _ SessionHandler = &selfSignedMQTTService{}
