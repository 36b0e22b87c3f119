package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qcom/phoneauth/internal/audit"
	"github.com/qcom/phoneauth/internal/cache"
	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/gateway"
	"github.com/qcom/phoneauth/internal/handlers"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/middleware"
	"github.com/qcom/phoneauth/internal/phone"
	"github.com/qcom/phoneauth/internal/repository"
	"github.com/qcom/phoneauth/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	dynamoClient, err := initDynamoDB(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize DynamoDB")
	}

	sharedCache, closeCache, err := initCache(cfg, dynamoClient, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize cache")
	}
	defer closeCache()

	registry := prometheus.NewRegistry()
	m, err := metrics.New(metrics.Options{Registerer: registry})
	if err != nil {
		logger.WithError(err).Fatal("Failed to register metrics")
	}

	sink, closeSink := initAudit(cfg, logger)
	defer closeSink()

	userRepo := repository.NewUserRepository(dynamoClient, cfg.DynamoDB.TableName, logger)
	normalizer := phone.NewNormalizer(cfg.Phone.DefaultCountryCode)

	jwtService, err := service.NewJWTService(&cfg.JWT, sharedCache, m, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize JWT service")
	}

	otpService := service.NewOTPService(sharedCache, normalizer, sink, m, &cfg.OTP, logger)
	authService := service.NewAuthService(
		normalizer,
		otpService,
		jwtService,
		userRepo,
		gateway.NewLogSender(logger),
		sink,
		logger,
	)

	authHandlers := handlers.NewAuthHandlers(authService, logger)
	authMiddleware := middleware.NewAuthMiddleware(authService, logger)
	router := setupRouter(authHandlers, authMiddleware, registry, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func initDynamoDB(cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(), awsconfig.WithRegion(cfg.DynamoDB.Region))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	logger.Info("DynamoDB client initialized")
	return client, nil
}

func initCache(cfg *config.Config, dynamoClient *dynamodb.Client, logger *logrus.Logger) (cache.Cache, func(), error) {
	if cfg.Cache.Backend == "dynamodb" {
		logger.WithField("table", cfg.DynamoDB.CacheTableName).Info("Using DynamoDB cache")
		return cache.NewDynamoCache(dynamoClient, cfg.DynamoDB.CacheTableName), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Using Redis cache")
	return cache.NewRedisCache(client), func() { _ = client.Close() }, nil
}

// initAudit always logs audit events when enabled and also publishes them to
// Kafka when brokers are configured. A broker outage at startup degrades to
// log-only auditing.
func initAudit(cfg *config.Config, logger *logrus.Logger) (audit.Sink, func()) {
	if !cfg.Audit.Enabled {
		return audit.Nop{}, func() {}
	}

	sinks := audit.Multi{audit.NewLogSink(logger, cfg.Audit.LogSensitiveData)}
	if len(cfg.Kafka.Brokers) == 0 {
		return sinks, func() {}
	}

	producer, err := audit.NewKafkaProducer(cfg.Kafka.Brokers)
	if err != nil {
		logger.WithError(err).Warn("Kafka unavailable, audit events will only be logged")
		return sinks, func() {}
	}

	kafkaSink := audit.NewKafkaSink(producer, cfg.Audit.KafkaTopic, cfg.Audit.LogSensitiveData, logger)
	sinks = append(sinks, kafkaSink)
	return sinks, func() {
		if err := kafkaSink.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close Kafka producer")
		}
	}
}

func setupRouter(
	authHandlers *handlers.AuthHandlers,
	authMiddleware *middleware.AuthMiddleware,
	registry *prometheus.Registry,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CORSMiddleware)
	router.Use(middleware.LoggingMiddleware(logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/send-otp", authHandlers.SendOTP).Methods("POST", "OPTIONS")
	auth.HandleFunc("/verify-otp", authHandlers.VerifyOTP).Methods("POST", "OPTIONS")
	auth.HandleFunc("/refresh", authHandlers.RefreshToken).Methods("POST", "OPTIONS")
	auth.HandleFunc("/introspect", authHandlers.Introspect).Methods("POST", "OPTIONS")
	auth.Handle("/logout", authMiddleware.RequireAuth(http.HandlerFunc(authHandlers.Logout))).Methods("POST", "OPTIONS")

	protected := api.PathPrefix("/").Subrouter()
	protected.Use(authMiddleware.RequireAuth)
	protected.HandleFunc("/me", authHandlers.Me).Methods("GET")

	return router
}
