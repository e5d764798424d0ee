package application

import "fmt"

var (
	ErrCertificate         = fmt.Errorf("invalid ca certificate")
	ErrUnsupportedProtocol = fmt.Errorf("unsupported tls protocol")
	ErrTrustStoreInit      = fmt.Errorf("trust store initialization failed")
	ErrInvalidEndpoint     = fmt.Errorf("invalid broker endpoint")

	ErrConnect         = fmt.Errorf("connect failed")
	ErrTrustValidation = fmt.Errorf("server certificate rejected by trust anchor")
	ErrHandshakeFailed = fmt.Errorf("transport handshake failed")
	ErrBrokerRejected  = fmt.Errorf("broker rejected connection")
	ErrConnectTimeout  = fmt.Errorf("connect timeout")

	ErrNotConnected                 = fmt.Errorf("not connected")
	ErrAlreadyConnectingOrConnected = fmt.Errorf("already connecting or connected")

	ErrProtocol     = fmt.Errorf("protocol error")
	ErrInvalidQoS   = fmt.Errorf("invalid qos, must be 0 or 1")
	ErrInvalidTopic = fmt.Errorf("invalid topic")
)

// ConnectFailure tells the host which stage of Connect failed.
type ConnectFailure string

const (
	ConnectFailureTrustValidation ConnectFailure = "trust-validation"
	ConnectFailureHandshake       ConnectFailure = "handshake"
	ConnectFailureBrokerRejected  ConnectFailure = "broker-rejected"
	ConnectFailureTimeout         ConnectFailure = "timeout"
)

// ConnectError is returned by BrokerSession.Connect. It matches ErrConnect and the
// stage sentinel (ErrTrustValidation, ErrHandshakeFailed, ...) with errors.Is.
type ConnectError struct {
	Reason ConnectFailure
	Err    error
}

func NewConnectError(reason ConnectFailure, err error) *ConnectError {
	return &ConnectError{Reason: reason, Err: err}
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%v (%s): %v", ErrConnect, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	errs := []error{ErrConnect, e.Reason.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (r ConnectFailure) sentinel() error {
	switch r {
	case ConnectFailureTrustValidation:
		return ErrTrustValidation
	case ConnectFailureHandshake:
		return ErrHandshakeFailed
	case ConnectFailureBrokerRejected:
		return ErrBrokerRejected
	case ConnectFailureTimeout:
		return ErrConnectTimeout
	default:
		return ErrConnect
	}
}
