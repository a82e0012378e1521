package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vasapolrittideah/session-manager/services/session-service/internal/config"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/handler"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/metrics"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/repository"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/usecase"
	"github.com/vasapolrittideah/session-manager/shared/auth"
	"github.com/vasapolrittideah/session-manager/shared/discovery"
	"github.com/vasapolrittideah/session-manager/shared/interceptor"
	"github.com/vasapolrittideah/session-manager/shared/logger"
	"github.com/vasapolrittideah/session-manager/shared/middleware"
	"github.com/vasapolrittideah/session-manager/shared/utilities"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	// A missing .env file is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.NewSessionServiceConfig()
	if err != nil {
		bootstrap := logger.New(logger.Options{Pretty: true})
		bootstrap.Fatal().Err(err).Msg("failed to load session service configuration")
	}

	log := logger.New(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: cfg.Consul.ServiceName,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secretsClient := newRedisClient(ctx, log, cfg.Redis, cfg.Redis.SecretsDB)
	userTokensClient := newRedisClient(ctx, log, cfg.Redis, cfg.Redis.UserTokensDB)
	pendingRefreshClient := newRedisClient(ctx, log, cfg.Redis, cfg.Redis.PendingRefreshDB)

	mongoClient := newMongoClient(ctx, log, cfg.Mongo)
	db := mongoClient.Database(cfg.Mongo.Database)

	jwtAuth := auth.NewJWTAuthenticator(cfg.Token.Audience, cfg.Token.Issuer)

	sessionUsecase := usecase.NewSessionUsecase(usecase.SessionKeyspaces{
		Secrets:        repository.NewRedisKeyspace(secretsClient),
		UserTokens:     repository.NewRedisKeyspace(userTokensClient),
		PendingRefresh: repository.NewRedisKeyspace(pendingRefreshClient),
	}, jwtAuth, jwtAuth, log, cfg)

	deviceSessionRepo := repository.NewDeviceSessionMongoRepository(ctx, log, db)
	deviceSessionUsecase := usecase.NewDeviceSessionUsecase(deviceSessionRepo, jwtAuth, log, cfg)

	serviceMetrics := metrics.New(prometheus.DefaultRegisterer, cfg.Consul.ServiceName)

	sessionHandler, err := handler.NewSessionHTTPHandler(sessionUsecase, deviceSessionUsecase, serviceMetrics, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session HTTP handler")
	}

	transport := middleware.Transport{
		Header:         cfg.Transport.Header,
		Cookie:         cfg.Transport.Cookie,
		Realm:          cfg.Transport.Realm,
		InsecureCookie: cfg.Transport.InsecureCookie,
	}
	deviceTransport := middleware.Transport{Header: cfg.Transport.Header, Realm: cfg.Transport.Realm}
	if deviceTransport.Header == "" {
		deviceTransport.Header = "Authorization"
	}

	routerCfg := handler.RouterConfig{
		Handler: sessionHandler,
		SessionMiddleware: middleware.NewSessionMiddleware(
			sessionUsecase, transport, log,
			middleware.WithRefresher(sessionUsecase),
			middleware.OnRefresh(serviceMetrics.RefreshCounter(metrics.FlavorEphemeral)),
		),
		DeviceSessionMiddleware: middleware.NewSessionMiddleware(deviceSessionUsecase, deviceTransport, log),
		Metrics:                 serviceMetrics,
		Gatherer:                prometheus.DefaultGatherer,
		RateLimit:               cfg.RateLimit,
		AdminGrant:              cfg.Grants.Admin,
		Logger:                  log,
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	internalHTTPServer := &http.Server{
		Addr:              cfg.InternalHTTPAddr,
		Handler:           handler.NewInternalRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		interceptor.NewSessionInterceptor(sessionUsecase, interceptor.SessionInterceptorConfig{
			ExemptMethods: []string{
				grpc_health_v1.Health_Check_FullMethodName,
				grpc_health_v1.Health_Watch_FullMethodName,
				"/grpc.health.v1.Health/List",
			},
			RequiredGrants: map[string][]string{
				handler.ListUserSessionsMethod: {cfg.Grants.Admin},
				handler.UpdateUserGrantsMethod: {cfg.Grants.Admin},
			},
		}, log),
	))
	handler.RegisterSessionGRPCServer(
		grpcServer,
		handler.NewSessionGRPCHandler(sessionUsecase, deviceSessionUsecase, serviceMetrics, log),
	)
	healthServer := utilities.RegisterHealthServer(grpcServer, cfg.Consul.ServiceName, handler.SessionServiceName)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.GRPCAddr()).Msg("failed to listen for gRPC")
	}

	var registry *discovery.ConsulRegistry
	if cfg.Consul.Address != "" {
		registry = registerWithConsul(log, cfg)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.InternalHTTPAddr).Msg("internal HTTP server listening")
		if err := internalHTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.GRPCAddr()).Msg("gRPC server listening")
		return grpcServer.Serve(grpcListener)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down session service")

		healthServer.Shutdown()
		if registry != nil {
			if err := registry.Deregister(serviceID(cfg)); err != nil {
				log.Warn().Err(err).Msg("failed to deregister from consul")
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		for _, server := range []*http.Server{httpServer, internalHTTPServer} {
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Str("addr", server.Addr).Msg("failed to shut down HTTP server gracefully")
			}
		}
		grpcServer.GracefulStop()

		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("session service stopped with error")
	}

	for _, client := range []*redis.Client{secretsClient, userTokensClient, pendingRefreshClient} {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close redis client")
		}
	}

	disconnectCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mongoClient.Disconnect(disconnectCtx); err != nil {
		log.Warn().Err(err).Msg("failed to disconnect from mongodb")
	}
}

func newRedisClient(ctx context.Context, log *zerolog.Logger, cfg config.RedisConfig, db int) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Addr).Int("db", db).Msg("failed to connect to redis")
	}

	return client
}

func newMongoClient(ctx context.Context, log *zerolog.Logger, cfg config.MongoConfig) *mongo.Client {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create mongodb client")
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx, nil); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mongodb")
	}

	return client
}

func registerWithConsul(log *zerolog.Logger, cfg *config.SessionServiceConfig) *discovery.ConsulRegistry {
	registry, err := discovery.NewConsulRegistry(cfg.Consul.Address, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create consul registry")
	}

	host := cfg.GRPCHost
	if host == "" || host == "0.0.0.0" {
		if hostname, err := os.Hostname(); err == nil {
			host = hostname
		}
	}

	err = registry.Register(discovery.Registration{
		ID:   serviceID(cfg),
		Name: cfg.Consul.ServiceName,
		Host: host,
		Port: cfg.GRPCPort,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register with consul")
	}

	return registry
}

func serviceID(cfg *config.SessionServiceConfig) string {
	if cfg.Consul.ServiceID != "" {
		return cfg.Consul.ServiceID
	}
	return cfg.Consul.ServiceName + "-" + cfg.GRPCAddr()
}
