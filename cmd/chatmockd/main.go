package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/parley-im/chatcore/pkg/devserver"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func main() {
	// Configure settings
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.SetConfigName("settings")
	viper.SetConfigType("toml")
	viper.SetDefault("bind", "127.0.0.1:8444")
	viper.SetDefault("security.token_secret", "chatmockd-dev-secret")

	// Load settings
	if err := viper.ReadInConfig(); err != nil {
		log.Warn().Err(err).Msg("An error occurred when loading settings, using defaults...")
	}

	server := devserver.New(devserver.Config{
		TokenSecret: viper.GetString("security.token_secret"),
		Logger:      log.Logger,
	})

	go func() {
		if err := server.Listen(viper.GetString("bind")); err != nil {
			log.Fatal().Err(err).Msg("An error occurred when serving the development backend.")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Development chat backend is quitting...")
	if err := server.Shutdown(); err != nil {
		log.Error().Err(err).Msg("An error occurred when shutting down.")
	}
}
