package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"astroguard/internal/api"
	"astroguard/internal/config"
	"astroguard/internal/pub"

	log "github.com/sirupsen/logrus"
)

func main() {
	config.LoadEnv()
	config.SetupLogging()

	ctx := context.Background()
	settings, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Failed to read settings: %v", err)
	}
	services, err := config.LoadServices(settings.ServicesFile)
	if err != nil {
		log.Fatalf("Failed to load services: %v", err)
	}

	snsClient, err := config.SNSClient(ctx, settings.SNSEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize SNS client: %v", err)
	}

	app, err := api.NewApp(ctx, settings, services, pub.NewSNS(snsClient))
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	stop, done := api.RunServerInterruptible(settings.Port, app)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.WithField("signal", s.String()).Info("shutting down")
		stop <- struct{}{}
		if err := <-done; err != nil {
			log.WithError(err).Error("server stopped with error")
		}
	case err := <-done:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}
}
