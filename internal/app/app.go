// Package app wires configuration, storage, the engine and the bulk data
// service together for the server and the CLI.
package app

import (
	"context"
	"fmt"
	"time"

	"bulkload/application/bulkdata/domain"
	"bulkload/application/bulkdata/handler"
	"bulkload/application/bulkdata/repository"
	"bulkload/application/bulkdata/service"
	"bulkload/application/health"
	"bulkload/config"
	"bulkload/internal/engine"
	"bulkload/internal/metrics"
	"bulkload/internal/sink"
	"bulkload/internal/stream"
	"bulkload/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sinkRetryDelay = 200 * time.Millisecond

// App holds the wired components.
type App struct {
	Config  *config.Config
	DB      *gorm.DB
	Sources *repository.DataSourceRepository
	History *repository.HistoryRepository
	Records *repository.RecordRepository
	Engine  *engine.SQLEngine
	Info    sink.InfoSink
	Service domain.Service

	health *health.Service
	log    *zap.Logger
}

// New opens the database, migrates it, seeds the configured data sources and
// builds the service.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := openDatabase(cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		DB:      db,
		Sources: repository.NewDataSourceRepository(db, cfg.DataSourceCacheTTL),
		History: repository.NewHistoryRepository(db),
		Records: repository.NewRecordRepository(db),
		log:     log,
	}
	a.Engine = engine.NewSQLEngine(db, a.Sources, log)

	for _, migrate := range []func() error{a.Sources.Migrate, a.History.Migrate, a.Engine.Migrate} {
		if err := migrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	if err := a.Sources.Add(context.Background(), cfg.DataSourceCodes()...); err != nil {
		return nil, fmt.Errorf("failed to seed data sources: %w", err)
	}

	a.health = health.NewService().Register("database", health.NewRepository(db))

	info, err := a.newInfoSink()
	if err != nil {
		return nil, err
	}
	a.Info = info

	cacheCfg, err := cfg.StreamCacheConfig()
	if err != nil {
		return nil, err
	}
	a.Service = service.NewService(
		engine.WithObserver(a.Engine, metrics.Get().ObserveIngest),
		a.Sources,
		a.History,
		a.Records,
		a.Info,
		service.Config{Cache: cacheCfg, Concurrency: cfg.EngineConcurrency, Export: stream.DefaultChunkConfig()},
		log,
	)
	return a, nil
}

func openDatabase(cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if cfg.DBDriver == "mysql" {
		dsn, err := cfg.MySQLDSN()
		if err != nil {
			return nil, err
		}
		db, err := gorm.Open(mysql.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database instance: %w", err)
		}
		if err := sqlDB.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
		log.Info("Connected to MySQL", zap.String("host", cfg.RealDBHost), zap.String("database", cfg.RealDBName))
		return db, nil
	}

	db, err := gorm.Open(sqlite.Open(cfg.SQLitePath), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if cfg.SQLitePath == ":memory:" {
		// every connection to :memory: is a separate database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database instance: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	log.Info("Opened SQLite database", zap.String("path", cfg.SQLitePath))
	return db, nil
}

func (a *App) newInfoSink() (sink.InfoSink, error) {
	cfg := a.Config
	switch cfg.InfoSink {
	case config.SinkLog:
		return sink.Log{Logger: a.log}, nil
	case config.SinkRedis:
		r := sink.NewRedis(cfg.RedisAddr, cfg.RedisKey)
		if err := r.Ping(); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to connect redis: %w", err)
		}
		a.health.Register("info_sink", r)
		return sink.WithRetry(r, cfg.SinkRetryAttempts, sinkRetryDelay, a.log), nil
	case config.SinkKafka:
		k := sink.NewKafka(cfg.KafkaBrokerList(), cfg.KafkaTopic)
		return sink.WithRetry(k, cfg.SinkRetryAttempts, sinkRetryDelay, a.log), nil
	default:
		return nil, nil
	}
}

// Router builds the HTTP router.
func (a *App) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestInit(a.log))
	r.Use(middleware.ResponseInit())
	r.Use(middleware.AccessLog())

	pipeSize, _ := a.Config.PipeBytes()
	bulkHandler := handler.NewHandler(a.Service, handler.Config{
		ProgressPeriod: a.Config.ProgressPeriod(),
		EOFSendTimeout: a.Config.EOFSendTimeout(),
		PipeSize:       pipeSize,
	})

	api := r.Group("")
	health.NewHandler(a.health).RegisterRoutes(api)
	bulkHandler.RegisterRoutes(api)
	api.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// Close releases the info sink and the database.
func (a *App) Close() error {
	var firstErr error
	if a.Info != nil {
		if err := a.Info.Close(); err != nil {
			firstErr = err
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
