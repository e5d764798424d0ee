package application

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultTLSPort uint16 = 8883

	brokerURLScheme = "tls"
)

type Protocol string

const (
	ProtocolTLS   Protocol = "TLS"
	ProtocolTLS11 Protocol = "TLSv1.1"
	ProtocolTLS12 Protocol = "TLSv1.2"
	ProtocolTLS13 Protocol = "TLSv1.3"
)

var supportedProtocols = []Protocol{ProtocolTLS, ProtocolTLS11, ProtocolTLS12, ProtocolTLS13}

// ParseProtocol accepts the protocol names case-insensitively ("tlsv1.2" == "TLSv1.2").
func ParseProtocol(s string) (Protocol, error) {
	for _, p := range supportedProtocols {
		if strings.EqualFold(string(p), strings.TrimSpace(s)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedProtocol, s)
}

func (p Protocol) String() string {
	return string(p)
}

// BrokerEndpointConfig describes the single broker the session talks to and the CA that
// signed its certificate.
type BrokerEndpointConfig struct {
	Host          string
	Port          uint16
	Protocol      Protocol
	CACertificate []byte
}

// NewBrokerEndpointConfig applies defaults, validates and returns a config that owns a
// private copy of the certificate bytes.
func NewBrokerEndpointConfig(host string, port uint16, protocol Protocol, caCertificate []byte) (BrokerEndpointConfig, error) {
	cfg := BrokerEndpointConfig{
		Host:          strings.TrimSpace(host),
		Port:          port,
		Protocol:      protocol,
		CACertificate: append([]byte(nil), caCertificate...),
	}
	cfg.EnsureDefaults()

	if err := cfg.Validate(); err != nil {
		return BrokerEndpointConfig{}, err
	}
	return cfg, nil
}

func (c *BrokerEndpointConfig) EnsureDefaults() {
	if c.Port == 0 {
		c.Port = DefaultTLSPort
	}

	if c.Protocol == "" {
		c.Protocol = ProtocolTLS
	}
}

func (c BrokerEndpointConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidEndpoint)
	}
	if c.Port == 0 {
		return fmt.Errorf("%w: port must be greater than 0", ErrInvalidEndpoint)
	}
	if _, err := ParseProtocol(string(c.Protocol)); err != nil {
		return err
	}
	if len(c.CACertificate) == 0 {
		return fmt.Errorf("%w: no certificate bytes", ErrCertificate)
	}
	return nil
}

// Address is the host:port pair used to dial the broker.
func (c BrokerEndpointConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// URL returns the broker URI, e.g. tls://test.mosquitto.org:8883.
func (c BrokerEndpointConfig) URL() string {
	return brokerURLScheme + "://" + c.Address()
}
