package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

var FlagLogLevel = &cli.StringFlag{
	Name:     "log-level",
	EnvVars:  []string{"LOG_LEVEL"},
	Value:    "info",
	Required: false,
}

var FlagLogWriter = &cli.StringFlag{
	Name:     "log-writer",
	Usage:    "one of: [console, json]",
	EnvVars:  []string{"LOG_WRITER"},
	Value:    "console",
	Required: false,
}

var FlagConfig = &cli.StringFlag{
	Name:     "config",
	Usage:    "yaml broker endpoint descriptor (host, port, protocol, ca_file)",
	EnvVars:  []string{"MQTT_ENDPOINT_CONFIG"},
	Required: false,
}

var FlagBrokerHost = &cli.StringFlag{
	Name:     "broker-host",
	EnvVars:  []string{"MQTT_BROKER_HOST"},
	Value:    "test.mosquitto.org",
	Required: false,
}

var FlagBrokerPort = &cli.UintFlag{
	Name:     "broker-port",
	EnvVars:  []string{"MQTT_BROKER_PORT"},
	Value:    8883,
	Required: false,
}

var FlagBrokerProtocol = &cli.StringFlag{
	Name:     "broker-protocol",
	Usage:    "one of: [TLS, TLSv1.1, TLSv1.2, TLSv1.3]",
	EnvVars:  []string{"MQTT_BROKER_PROTOCOL"},
	Value:    "TLS",
	Required: false,
}

var FlagCACert = &cli.StringFlag{
	Name:     "ca-cert",
	Usage:    "PEM or DER certificate of the CA that signed the broker certificate",
	EnvVars:  []string{"MQTT_CA_CERT"},
	Required: false,
}

var FlagMQTTClientID = &cli.StringFlag{
	Name:     "mqtt-client-id",
	Usage:    "generated when empty",
	EnvVars:  []string{"MQTT_CLIENT_ID"},
	Required: false,
}

var FlagMQTTTopic = &cli.StringSliceFlag{
	Name:     "mqtt-topic",
	Usage:    "topic filter to subscribe to, repeatable",
	EnvVars:  []string{"MQTT_TOPIC"},
	Required: false,
}

var FlagMQTTKeepAlive = &cli.DurationFlag{
	Name:     "mqtt-keep-alive",
	EnvVars:  []string{"MQTT_KEEP_ALIVE"},
	Value:    60 * time.Second,
	Required: false,
}

var FlagMQTTConnectTimeout = &cli.DurationFlag{
	Name:     "mqtt-connect-timeout",
	EnvVars:  []string{"MQTT_CONNECT_TIMEOUT"},
	Value:    60 * time.Second,
	Required: false,
}

var FlagMQTTReconnectInterval = &cli.DurationFlag{
	Name:     "mqtt-reconnect-interval",
	Usage:    "0 stops the service when the connection is lost",
	EnvVars:  []string{"MQTT_RECONNECT_INTERVAL"},
	Value:    0,
	Required: false,
}

var FlagReportInterval = &cli.DurationFlag{
	Name:     "report-interval",
	EnvVars:  []string{"REPORT_INTERVAL"},
	Value:    30 * time.Second,
	Required: false,
}
