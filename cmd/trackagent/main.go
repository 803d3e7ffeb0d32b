package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"tracknet.dev/livetrack/internal/agent"
)

func main() {
	viper.SetDefault("hub_url", "ws://localhost:7000/ws")
	viper.SetDefault("token", "")
	viper.SetDefault("device_id", "")
	viper.SetDefault("serial_port", "/dev/ttyUSB0")
	viper.SetDefault("baud_rate", 9600)
	viper.SetDefault("interval", 10*time.Second)
	viper.SetDefault("log_level", "info")
	viper.SetEnvPrefix("trackagent")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	level, err := zerolog.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	deviceID := viper.GetString("device_id")
	if deviceID == "" || viper.GetString("token") == "" {
		logger.Fatal().Msg("device_id and token are required")
	}

	provider := agent.NewSensorProvider(
		viper.GetString("serial_port"),
		viper.GetInt("baud_rate"),
		viper.GetDuration("interval"),
		logger,
	)
	transport := agent.NewWSTransport(agent.WSTransportConfig{
		URL:      viper.GetString("hub_url"),
		Token:    viper.GetString("token"),
		DeviceID: deviceID,
	}, logger)

	a := agent.New(deviceID, provider, transport, logger)
	if err := a.Start(); err != nil {
		logger.Fatal().Err(err).Msg("agent start failed")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("stopping agent")
	if err := a.Stop(); err != nil {
		logger.Error().Err(err).Msg("agent stop error")
	}
}
