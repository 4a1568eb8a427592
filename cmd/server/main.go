package main

import (
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/karibucrm/campaign-engine/internal/config"
	"github.com/karibucrm/campaign-engine/internal/db"
	"github.com/karibucrm/campaign-engine/internal/handler"
	"github.com/karibucrm/campaign-engine/internal/queue"
	"github.com/karibucrm/campaign-engine/internal/repository"
	"github.com/karibucrm/campaign-engine/internal/service"
)

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

	campaignRepo := &repository.CampaignRepository{DB: database}
	customerRepo := &repository.CustomerRepository{DB: database}
	segmentRepo := &repository.SegmentRepository{DB: database}

	delivery := &service.DeliveryService{
		CampaignRepo:   campaignRepo,
		CustomerRepo:   customerRepo,
		SegmentRepo:    segmentRepo,
		Broker:         broker,
		Sender:         service.NewSimulatedSender(cfg.DeliverySuccessRate),
		Log:            logger,
		ChunkSize:      cfg.FanoutChunkSize,
		ReceiptRetries: cfg.ReceiptRetries,
	}
	if err := delivery.Register(); err != nil {
		logger.Fatal().Err(err).Msg("pipeline registration failed")
	}

	campaignHandler := &handler.CampaignHandler{
		Repo:     campaignRepo,
		Delivery: delivery,
		Log:      logger,
	}

	r := chi.NewRouter()
	r.Post("/campaigns", campaignHandler.CreateCampaign)
	r.Get("/campaigns/{id}", campaignHandler.GetCampaign)
	r.Post("/campaigns/{id}/start", campaignHandler.StartCampaign)
	r.Post("/campaigns/{id}/cancel", campaignHandler.CancelCampaign)

	logger.Info().Str("port", cfg.Port).Str("queue", cfg.QueueDriver).Msg("server running")
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
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
	default:
		return queue.NewMemoryBroker(logger), nil
	}
}
