package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pulsemail/campaign-gateway/internal/broker"
	"github.com/pulsemail/campaign-gateway/internal/config"
	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/internal/repository"
	"github.com/pulsemail/campaign-gateway/internal/scheduler"
	"github.com/pulsemail/campaign-gateway/pkg/logger"
	"github.com/pulsemail/campaign-gateway/pkg/pg"
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
	sched := scheduler.New(mq, campaignRepo)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := sched.Run(); err != nil {
			logger.Error("failed to start scheduler", "error", err)
		}
	}()

	select {
	case <-c:
		sched.Stop()
	case err := <-mq.Fatal():
		logger.Error("broker connection unrecoverable, exiting", "error", err)
		sched.Stop()
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
