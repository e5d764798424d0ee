package adapters

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"selfsigned-mqtt/application"
	"sync"

	"github.com/rs/zerolog"
)

const (
	TrustAnchorAlias = "ca"

	pemCertificateType = "CERTIFICATE"
)

var pemBeginMarker = []byte("-----BEGIN")

// TrustAnchor is the pinned CA certificate together with a certificate pool that holds
// it as its only entry.
type TrustAnchor struct {
	alias       string
	certificate *x509.Certificate
	pool        *x509.CertPool
}

func newTrustAnchor(cert *x509.Certificate) (*TrustAnchor, error) {
	if cert.PublicKeyAlgorithm == x509.UnknownPublicKeyAlgorithm {
		return nil, fmt.Errorf("%w: unsupported public key algorithm", application.ErrTrustStoreInit)
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	// the anchor must at least validate itself, otherwise nothing can ever chain to it
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", application.ErrTrustStoreInit, err)
	}

	return &TrustAnchor{alias: TrustAnchorAlias, certificate: cert, pool: pool}, nil
}

func (a *TrustAnchor) Alias() string {
	return a.alias
}

func (a *TrustAnchor) Certificate() *x509.Certificate {
	return a.certificate
}

// VerifyPeer runs the same decision the handshake uses against a peer chain
// (leaf first). dnsName may be empty to skip the hostname check.
func (a *TrustAnchor) VerifyPeer(chain []*x509.Certificate, dnsName string) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: no peer certificate presented", application.ErrTrustValidation)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	verifiedChains, err := chain[0].Verify(x509.VerifyOptions{
		DNSName:       dnsName,
		Roots:         a.pool,
		Intermediates: intermediates,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", application.ErrTrustValidation, err)
	}

	return a.checkPinned(verifiedChains)
}

func (a *TrustAnchor) verifyConnection(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return fmt.Errorf("%w: no peer certificate presented", application.ErrTrustValidation)
	}
	return a.checkPinned(cs.VerifiedChains)
}

func (a *TrustAnchor) checkPinned(chains [][]*x509.Certificate) error {
	for _, chain := range chains {
		if len(chain) > 0 && chain[len(chain)-1].Equal(a.certificate) {
			return nil
		}
	}
	return fmt.Errorf("%w: no verified chain ends at %q", application.ErrTrustValidation, a.certificate.Subject.String())
}

// SecureTransportFactory dials TLS connections to one broker, accepting only server
// certificates that chain to the pinned trust anchor.
type SecureTransportFactory struct {
	address   string
	brokerURL string

	anchor *TrustAnchor
	config *tls.Config
}

func (t *SecureTransportFactory) Dial(ctx context.Context) (net.Conn, error) {
	dialer := tls.Dialer{Config: t.config.Clone()}

	conn, err := dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return nil, classifyDialError(err)
	}
	return conn, nil
}

func (t *SecureTransportFactory) BrokerURL() string {
	return t.brokerURL
}

func (t *SecureTransportFactory) Anchor() *TrustAnchor {
	return t.anchor
}

// MinVersion and MaxVersion expose the negotiated version bounds (0 means library default).
func (t *SecureTransportFactory) MinVersion() uint16 {
	return t.config.MinVersion
}

func (t *SecureTransportFactory) MaxVersion() uint16 {
	return t.config.MaxVersion
}

var _ application.SecureTransportFactory = &SecureTransportFactory{}

type TrustAnchorTLSFactoryParams struct {
	Endpoint application.BrokerEndpointConfig

	Log zerolog.Logger
}

type TrustAnchorTLSFactory struct {
	endpoint application.BrokerEndpointConfig

	transport *SecureTransportFactory
	mu        sync.RWMutex

	log zerolog.Logger
}

func NewTrustAnchorTLSFactory(params TrustAnchorTLSFactoryParams) *TrustAnchorTLSFactory {
	params.Endpoint.EnsureDefaults()
	return &TrustAnchorTLSFactory{endpoint: params.Endpoint, log: params.Log}
}

// BuildTrustAnchorTLSFactory builds a factory from the certificate and protocol carried by
// the endpoint config.
func BuildTrustAnchorTLSFactory(endpoint application.BrokerEndpointConfig, log zerolog.Logger) (*TrustAnchorTLSFactory, error) {
	f := NewTrustAnchorTLSFactory(TrustAnchorTLSFactoryParams{Endpoint: endpoint, Log: log})
	if _, err := f.Build(f.endpoint.CACertificate, f.endpoint.Protocol); err != nil {
		return nil, err
	}
	return f, nil
}

// Build parses the CA certificate, pins it as the only trust anchor and assembles the TLS
// context for the requested protocol. The factory is left unbuilt on any failure.
func (f *TrustAnchorTLSFactory) Build(caCertificate []byte, protocol application.Protocol) (*SecureTransportFactory, error) {
	cert, err := parseCertificate(caCertificate)
	if err != nil {
		f.log.Error().Err(err).Msg("failed to parse ca certificate")
		return nil, err
	}
	f.log.Info().
		Str("subject", cert.Subject.String()).
		Time("not_after", cert.NotAfter).
		Msg("x509 certificate has been created from ca certificate")

	anchor, err := newTrustAnchor(cert)
	if err != nil {
		f.log.Error().Err(err).Msg("failed to initialize trust store")
		return nil, err
	}
	f.log.Info().Str("alias", anchor.Alias()).Msg("added ca certificate to an empty trust store")

	minVersion, maxVersion, err := tlsVersions(protocol)
	if err != nil {
		f.log.Error().Err(err).Msg("unsupported protocol")
		return nil, err
	}

	if f.endpoint.Host == "" {
		return nil, fmt.Errorf("%w: tls context requires the broker host as server name", application.ErrTrustStoreInit)
	}

	config := &tls.Config{
		RootCAs:          anchor.pool,
		ServerName:       f.endpoint.Host,
		MinVersion:       minVersion,
		MaxVersion:       maxVersion,
		VerifyConnection: anchor.verifyConnection,
	}

	transport := &SecureTransportFactory{
		address:   f.endpoint.Address(),
		brokerURL: f.endpoint.URL(),
		anchor:    anchor,
		config:    config,
	}

	f.mu.Lock()
	f.transport = transport
	f.mu.Unlock()

	f.log.Info().Str("protocol", protocol.String()).Str("broker", transport.brokerURL).Msg("tls context created")
	return transport, nil
}

// SecureSocketFactory returns the built factory, or nil if Build has not succeeded.
func (f *TrustAnchorTLSFactory) SecureSocketFactory() *SecureTransportFactory {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.transport
}

func (f *TrustAnchorTLSFactory) AssociatedBrokerURL() string {
	return f.endpoint.URL()
}

func tlsVersions(protocol application.Protocol) (uint16, uint16, error) {
	p, err := application.ParseProtocol(string(protocol))
	if err != nil {
		return 0, 0, err
	}

	switch p {
	case application.ProtocolTLS11:
		return tls.VersionTLS11, tls.VersionTLS11, nil
	case application.ProtocolTLS12:
		return tls.VersionTLS12, tls.VersionTLS12, nil
	case application.ProtocolTLS13:
		return tls.VersionTLS13, tls.VersionTLS13, nil
	default:
		return tls.VersionTLS12, 0, nil
	}
}

// parseCertificate accepts a single PEM CERTIFICATE block or a single DER certificate.
// Explanatory text before the PEM block (as printed by openssl x509 -text) is skipped;
// anything after it is not.
func parseCertificate(data []byte) (*x509.Certificate, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: no certificate bytes", application.ErrCertificate)
	}

	if !bytes.Contains(trimmed, pemBeginMarker) {
		certs, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", application.ErrCertificate, err)
		}
		if len(certs) != 1 {
			return nil, fmt.Errorf("%w: expected exactly one certificate, found %d", application.ErrCertificate, len(certs))
		}
		return certs[0], nil
	}

	var blocks []*pem.Block
	rest := trimmed
	for len(bytes.TrimSpace(rest)) > 0 {
		block, r := pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("%w: malformed pem data", application.ErrCertificate)
		}
		if block.Type != pemCertificateType {
			return nil, fmt.Errorf("%w: unexpected pem block %q", application.ErrCertificate, block.Type)
		}
		blocks = append(blocks, block)
		rest = r
	}

	if len(blocks) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one certificate, found %d", application.ErrCertificate, len(blocks))
	}

	cert, err := x509.ParseCertificate(blocks[0].Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", application.ErrCertificate, err)
	}
	return cert, nil
}

func classifyDialError(err error) error {
	if errors.Is(err, application.ErrTrustValidation) {
		return err
	}

	var verifyErr *tls.CertificateVerificationError
	var unknownAuthorityErr x509.UnknownAuthorityError
	var invalidErr x509.CertificateInvalidError
	var hostnameErr x509.HostnameError
	if errors.As(err, &verifyErr) || errors.As(err, &unknownAuthorityErr) ||
		errors.As(err, &invalidErr) || errors.As(err, &hostnameErr) {
		return fmt.Errorf("%w: %w", application.ErrTrustValidation, err)
	}

	return fmt.Errorf("%w: %w", application.ErrHandshakeFailed, err)
}
