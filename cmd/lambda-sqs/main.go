//go:build lambda

package main

import (
	"context"

	"astroguard/internal/api"
	"astroguard/internal/config"
	"astroguard/internal/pub"

	"github.com/aws/aws-lambda-go/lambda"
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

	// Initialize AWS SNS client
	snsClient, err := config.SNSClient(ctx, settings.SNSEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize SNS client: %v", err)
	}

	app, err := api.NewApp(ctx, settings, services, pub.NewSNS(snsClient))
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	// Start Lambda runtime
	lambda.Start(api.NewWorker(app).HandleSQSEvent)
}
