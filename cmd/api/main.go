package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pulsemail/campaign-gateway/internal/broker"
	"github.com/pulsemail/campaign-gateway/internal/config"
	"github.com/pulsemail/campaign-gateway/internal/dispatch"
	"github.com/pulsemail/campaign-gateway/internal/handlers"
	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/internal/repository"
	"github.com/pulsemail/campaign-gateway/internal/services"
	xhttp "github.com/pulsemail/campaign-gateway/pkg/http"
	"github.com/pulsemail/campaign-gateway/pkg/logger"
	"github.com/pulsemail/campaign-gateway/pkg/pg"
	"github.com/pulsemail/campaign-gateway/pkg/prom"
	"github.com/streadway/amqp"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 5))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	mq, err := broker.Connect(broker.Config{
		URL:            config.Get().AmqpURL,
		ConnectRetries: config.Get().AmqpConnectRetries,
		RetryBaseDelay: config.Get().AmqpRetryBaseDelay,
		Queues: map[string]amqp.Table{
			model.QueueSend:     {"x-message-ttl": config.Get().SendQueueTTL.Milliseconds()},
			model.QueueSchedule: nil,
		},
	})
	if err != nil {
		logger.Error("failed connecting to broker", "error", err)
		return
	}
	defer mq.Close()

	campaignRepo := repository.NewCampaignRepository(db)
	deliveryRepo := repository.NewDeliveryRepository(db)
	contactRepo := repository.NewContactRepository(db)

	producer := dispatch.NewProducer(campaignRepo, mq)

	// services
	campaignService := services.NewCampaignService(campaignRepo, deliveryRepo, contactRepo, producer)
	webhookService := services.NewWebhookService(deliveryRepo)
	healthService := services.NewHealthService(db)

	// v1 handlers
	campaignHandler := handlers.NewCampaignHandler(campaignService)
	webhookHandler := handlers.NewWebhookHandler(webhookService)
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api/v1")
	handlers.RegisterCampaignRoutes(g, campaignHandler)
	handlers.RegisterWebhookRoutes(g, webhookHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	go func() {
		prom.ListenAndServer(config.Get().MetricsAddr, config.Get().MetricsEndpoint)
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
	case err := <-mq.Fatal():
		logger.Error("broker connection unrecoverable, exiting", "error", err)
		s.Shutdown()
		os.Exit(1)
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
