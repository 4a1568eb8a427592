package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/karibucrm/campaign-engine/internal/config"
	"github.com/karibucrm/campaign-engine/internal/db"
	"github.com/karibucrm/campaign-engine/internal/queue"
	"github.com/karibucrm/campaign-engine/internal/repository"
	"github.com/karibucrm/campaign-engine/internal/service"
)

// The worker runs the delivery pipeline against a shared broker (Redis or
// RabbitMQ) without the HTTP surface, so stage processing can scale out
// independently of the API.
func main() {
	envLoaded := godotenv.Load() == nil
	cfg := config.Parse()
	logger := newLogger(cfg.LogLevel)
	if !envLoaded {
		logger.Debug().Msg("no .env file found, using OS environment")
	}

	database, err := db.Open(cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer database.Close()

	broker, err := newBroker(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("broker setup failed")
	}
	defer broker.Close()

	delivery := &service.DeliveryService{
		CampaignRepo:   &repository.CampaignRepository{DB: database},
		CustomerRepo:   &repository.CustomerRepository{DB: database},
		SegmentRepo:    &repository.SegmentRepository{DB: database},
		Broker:         broker,
		Sender:         service.NewSimulatedSender(cfg.DeliverySuccessRate),
		Log:            logger,
		ChunkSize:      cfg.FanoutChunkSize,
		ReceiptRetries: cfg.ReceiptRetries,
	}
	if err := delivery.Register(); err != nil {
		logger.Fatal().Err(err).Msg("pipeline registration failed")
	}

	logger.Info().Str("queue", cfg.QueueDriver).Msg("worker running, waiting for messages")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("worker shutting down")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().Timestamp().Logger()
}

func newBroker(cfg config.Config, logger zerolog.Logger) (queue.Broker, error) {
	switch cfg.QueueDriver {
	case config.QueueDriverRedis:
		return queue.NewRedisBroker(cfg.RedisAddr, logger), nil
	case config.QueueDriverAMQP:
		return queue.NewAMQPBroker(cfg.AMQPURL, logger)
	case config.QueueDriverMemory:
		return nil, fmt.Errorf("the memory queue driver cannot be shared with other processes")
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
}
