package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"partner-onboarding/config"
	"partner-onboarding/handlers"
	"partner-onboarding/middleware"
	"partner-onboarding/models"
	"partner-onboarding/services"
	"partner-onboarding/utils"
	"partner-onboarding/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, foundDotEnv, err := config.Load()
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()
	if !foundDotEnv {
		logger.Info("⚠️  No .env file found, reading environment variables directly")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	clock := clockwork.NewRealClock()

	mailer, closeMailer := newMailer(cfg, logger)
	defer closeMailer()

	var limiter services.ResendLimiter
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("⚠️ redis unreachable, resend throttling fails open until it recovers", zap.Error(err))
		}
		cancel()
		limiter = services.NewRedisResendLimiter(rdb, cfg.ResendLimit, cfg.ResendWindow)
	}

	var archive services.AgreementArchive
	if cfg.R2.Enabled() {
		r2, err := utils.NewR2Client(ctx, cfg.R2)
		if err != nil {
			logger.Fatal("failed to initialize R2 client", zap.Error(err))
		}
		archive = services.NewR2AgreementArchive(r2)
	}

	auditLog := services.NewGormAuditLog(db, clock, logger)
	workflow := services.NewApplicationWorkflow(services.WorkflowDeps{
		Store:               services.NewGormApplicationStore(db),
		Tokens:              services.NewRandomTokenIssuer(clock),
		Audit:               auditLog,
		Trail:               auditLog,
		Notifier:            services.NewEmailNotificationGateway(mailer),
		Provisioner:         services.NewGormPartnerProvisioner(db),
		Agreements:          services.NewGormAgreementGenerator(db, clock, archive, logger),
		Limiter:             limiter,
		Clock:               clock,
		Logger:              logger,
		VerificationURLBase: cfg.VerificationURLBase,
	})

	repairWorker := workers.NewProvisioningRepairWorker(workflow, cfg.RepairInterval, cfg.RepairBatchSize, clock, logger)
	if err := repairWorker.Start(ctx); err != nil {
		logger.Fatal("failed to start provisioning repair worker", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})

	// 🔐❗ GLOBAL: Only Gateway requests allowed
	app.Use(middleware.GatewayAuthMiddleware(cfg.ServiceToken, logger))

	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Service-Token, X-User-ID, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	handlers.SetupSystemRoutes(app)
	handlers.SetupApplicationRoutes(app, workflow, logger)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	logger.Info("✅ Server running", zap.String("port", cfg.Port))
	logger.Info("✅ Mail transport", zap.String("transport", cfg.MailTransport))
	logger.Info("✅ CORS configured", zap.Strings("origins", cfg.AllowedOrigins))

	<-ctx.Done()
	logger.Info("Shutting down server...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("⚠️ server shutdown", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("❌ failed to build logger: %v", err)
	}
	return logger
}

func newMailer(cfg *config.Config, logger *zap.Logger) (services.Mailer, func()) {
	switch cfg.MailTransport {
	case config.MailTransportSMTP:
		return services.NewSMTPMailer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From), func() {}
	case config.MailTransportKafka:
		km := services.NewKafkaMailer(cfg.Kafka.Brokers, cfg.Kafka.MailTopic)
		return km, func() {
			if err := km.Close(); err != nil {
				logger.Warn("⚠️ kafka mail writer close", zap.Error(err))
			}
		}
	default:
		return &services.LogMailer{Logger: logger}, func() {}
	}
}
