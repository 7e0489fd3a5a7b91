package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pulsemail/campaign-gateway/internal/broker"
	"github.com/pulsemail/campaign-gateway/internal/config"
	gateway "github.com/pulsemail/campaign-gateway/internal/gateways"
	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/internal/processor"
	"github.com/pulsemail/campaign-gateway/internal/repository"
	"github.com/pulsemail/campaign-gateway/pkg/logger"
	"github.com/pulsemail/campaign-gateway/pkg/pg"
	"github.com/pulsemail/campaign-gateway/pkg/prom"
	"github.com/pulsemail/campaign-gateway/pkg/redis"
	"github.com/pulsemail/campaign-gateway/pkg/worker"
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

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	mq, err := broker.Connect(broker.Config{
		URL:            config.Get().AmqpURL,
		ConnectRetries: config.Get().AmqpConnectRetries,
		RetryBaseDelay: config.Get().AmqpRetryBaseDelay,
		Queues: map[string]amqp.Table{
			model.QueueSend: {"x-message-ttl": config.Get().SendQueueTTL.Milliseconds()},
		},
	})
	if err != nil {
		logger.Error("failed connecting to broker", "error", err)
		return
	}
	defer mq.Close()

	client, err := gateway.NewEmailClient(&gateway.Config{
		URL:              config.Get().ProviderURL,
		Timeout:          config.Get().ProviderTimeout,
		MaxRetries:       config.Get().ProviderMaxRetries,
		RetryDelay:       config.Get().ProviderRetryDelay,
		BreakerThreshold: config.Get().ProviderBreakLim,
		BreakerCooldown:  config.Get().ProviderBreakCool,
	})
	if err != nil {
		logger.Error("failed to create provider client", "error", err)
		return
	}

	campaignRepo := repository.NewCampaignRepository(db)
	deliveryRepo := repository.NewDeliveryRepository(db)
	contactRepo := repository.NewContactRepository(db)
	credentialRepo := repository.NewCredentialRepository(db)

	lock := processor.NewCampaignLock(redisAdap, config.Get().CampaignLockTTL)
	pool := worker.NewPool(config.Get().SendConcurrency, config.Get().SendConcurrency*2)

	campaignProcessor := processor.NewCampaignProcessor(
		campaignRepo,
		deliveryRepo,
		contactRepo,
		credentialRepo,
		client,
		lock,
		pool,
	)
	service := processor.NewService(mq, campaignProcessor, pool)

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
		err := service.Start()
		if err != nil {
			logger.Error("failed to start worker", "error", err)
		}
	}()

	select {
	case <-c:
		service.Stop()
	case err := <-mq.Fatal():
		logger.Error("broker connection unrecoverable, exiting", "error", err)
		service.Stop()
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
