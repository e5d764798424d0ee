package adapters

import (
	"fmt"
	"os"
	"path/filepath"
	"selfsigned-mqtt/application"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBrokerHost = "test.mosquitto.org"
)

// EndpointDescriptor is the on-disk description of the broker endpoint. CAFile is
// resolved relative to the descriptor's directory when it is not absolute.
type EndpointDescriptor struct {
	Host     string `yaml:"host"`
	Port     uint16 `yaml:"port"`
	Protocol string `yaml:"protocol"`
	CAFile   string `yaml:"ca_file"`
}

func DefaultEndpointDescriptor() EndpointDescriptor {
	return EndpointDescriptor{
		Host:     DefaultBrokerHost,
		Port:     application.DefaultTLSPort,
		Protocol: string(application.ProtocolTLS),
	}
}

// LoadEndpointDescriptor reads a YAML descriptor; fields missing from the file keep
// their defaults.
func LoadEndpointDescriptor(path string) (EndpointDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EndpointDescriptor{}, fmt.Errorf("read endpoint descriptor: %w", err)
	}

	d := DefaultEndpointDescriptor()
	if err := yaml.Unmarshal(data, &d); err != nil {
		return EndpointDescriptor{}, fmt.Errorf("%w: parse %s: %w", application.ErrInvalidEndpoint, path, err)
	}

	if d.CAFile != "" && !filepath.IsAbs(d.CAFile) {
		d.CAFile = filepath.Join(filepath.Dir(path), d.CAFile)
	}
	return d, nil
}

// EndpointConfig reads the CA file and returns the validated endpoint config.
func (d EndpointDescriptor) EndpointConfig() (application.BrokerEndpointConfig, error) {
	protocol, err := application.ParseProtocol(d.Protocol)
	if err != nil {
		return application.BrokerEndpointConfig{}, err
	}

	if d.CAFile == "" {
		return application.BrokerEndpointConfig{}, fmt.Errorf("%w: ca_file is required", application.ErrCertificate)
	}

	caCertificate, err := os.ReadFile(d.CAFile)
	if err != nil {
		return application.BrokerEndpointConfig{}, fmt.Errorf("%w: %w", application.ErrCertificate, err)
	}

	return application.NewBrokerEndpointConfig(d.Host, d.Port, protocol, caCertificate)
}
