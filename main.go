package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"selfsigned-mqtt/adapters"
	"selfsigned-mqtt/application"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// MQTT 3.1.1 only guarantees client ids up to 23 bytes.
const generatedClientIDPrefix = "ssmqtt-"

var Flags = []cli.Flag{
	FlagLogLevel,
	FlagLogWriter,
	FlagConfig,
	FlagBrokerHost,
	FlagBrokerPort,
	FlagBrokerProtocol,
	FlagCACert,
	FlagMQTTClientID,
	FlagMQTTTopic,
	FlagMQTTKeepAlive,
	FlagMQTTConnectTimeout,
	FlagMQTTReconnectInterval,
	FlagReportInterval,
}

func main() {
	var logger zerolog.Logger

	app := cli.App{
		Name:    "selfsigned-mqtt",
		Usage:   "mqtt session over tls to a broker signed by a private ca",
		Version: "v0.0.1",
		Flags:   Flags,
		Before: func(ctx *cli.Context) error {
			var logWriter io.Writer
			if ctx.String(FlagLogWriter.Name) == "console" {
				logWriter = zerolog.ConsoleWriter{
					Out:        os.Stderr,
					TimeFormat: time.RFC3339Nano,
				}
			} else if ctx.String(FlagLogWriter.Name) == "json" {
				logWriter = os.Stderr
			} else {
				return fmt.Errorf("invalid log writer: %s", ctx.String(FlagLogWriter.Name))
			}

			logger = zerolog.New(logWriter).With().Timestamp().
				Str("service", "selfsigned-mqtt").
				Str("module", "main").
				Logger()

			level, err := zerolog.ParseLevel(ctx.String(FlagLogLevel.Name))
			if err != nil {
				return err
			}

			zerolog.SetGlobalLevel(level)

			return nil
		},
		Action: func(ctx *cli.Context) error {
			logger.Info().Msg("service starting...")

			appCtx, cancel := context.WithCancel(logger.WithContext(context.Background()))
			defer cancel()
			go func() {
				c := make(chan os.Signal, 1)
				signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

				<-c

				logger.Warn().Msg("interrupt signal received")
				cancel()
			}()

			endpoint, err := endpointConfig(ctx)
			if err != nil {
				return err
			}

			logger.Info().Msgf("broker endpoint: %s", endpoint.URL())
			tlsFactory, err := adapters.BuildTrustAnchorTLSFactory(endpoint, logger.With().Str("module", "tls-factory").Logger())
			if err != nil {
				return err
			}

			session := adapters.NewBrokerSession(adapters.BrokerSessionParams{
				Log: logger.With().Str("module", "broker-session").Logger(),
			})
			defer func() {
				if err := session.Close(); err != nil {
					logger.Warn().Err(err).Msg("session close")
				}
			}()

			service, err := application.NewSelfSignedMQTTService(application.SelfSignedMQTTServiceParams{
				Session:   session,
				Transport: tlsFactory.SecureSocketFactory(),
				Endpoint:  endpoint,
				ConnectOptions: application.ConnectOptions{
					ClientID:       clientID(ctx),
					KeepAlive:      ctx.Duration(FlagMQTTKeepAlive.Name),
					ConnectTimeout: ctx.Duration(FlagMQTTConnectTimeout.Name),
				},
				Topics:            ctx.StringSlice(FlagMQTTTopic.Name),
				ReconnectInterval: ctx.Duration(FlagMQTTReconnectInterval.Name),
				ReportInterval:    ctx.Duration(FlagReportInterval.Name),
				Log:               logger.With().Str("module", "service").Logger(),
			})
			if err != nil {
				return err
			}

			logger.Info().Msg("service started")
			err = service.Run(appCtx)
			if err != nil {
				return err
			}

			logger.Info().Msg("service terminating...")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Err(err).Msg("service terminated")
		os.Exit(1)
	}
}

// endpointConfig starts from the yaml descriptor (if any) and lets explicitly set flags
// override it.
func endpointConfig(ctx *cli.Context) (application.BrokerEndpointConfig, error) {
	descriptor := adapters.DefaultEndpointDescriptor()
	if path := ctx.String(FlagConfig.Name); path != "" {
		d, err := adapters.LoadEndpointDescriptor(path)
		if err != nil {
			return application.BrokerEndpointConfig{}, err
		}
		descriptor = d
	}

	if ctx.IsSet(FlagBrokerHost.Name) {
		descriptor.Host = ctx.String(FlagBrokerHost.Name)
	}
	if ctx.IsSet(FlagBrokerPort.Name) {
		port := ctx.Uint(FlagBrokerPort.Name)
		if port == 0 || port > math.MaxUint16 {
			return application.BrokerEndpointConfig{}, fmt.Errorf("%w: port %d out of range", application.ErrInvalidEndpoint, port)
		}
		descriptor.Port = uint16(port)
	}
	if ctx.IsSet(FlagBrokerProtocol.Name) {
		descriptor.Protocol = ctx.String(FlagBrokerProtocol.Name)
	}
	if ctx.IsSet(FlagCACert.Name) {
		descriptor.CAFile = ctx.String(FlagCACert.Name)
	}

	return descriptor.EndpointConfig()
}

func clientID(ctx *cli.Context) string {
	if id := ctx.String(FlagMQTTClientID.Name); id != "" {
		return id
	}
	return generatedClientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
