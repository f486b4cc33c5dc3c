package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoPolymarket/batchgate/internal/config"
	"github.com/GoPolymarket/batchgate/internal/handler"
	"github.com/GoPolymarket/batchgate/internal/middleware"
	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/clock"
	"github.com/GoPolymarket/batchgate/internal/pkg/logger"
	"github.com/GoPolymarket/batchgate/internal/repository"
	"github.com/GoPolymarket/batchgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"gorm.io/gorm"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level)
	gin.SetMode(gin.ReleaseMode)

	// 2. Initialize Persistence (Redis / Postgres > Memory)
	var redisClient *repository.RedisClient
	if cfg.Redis.Addr != "" {
		redisClient, err = repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("connected to redis", "addr", cfg.Redis.Addr)
		} else {
			logger.Error("failed to connect to redis, falling back to local stores", "error", err)
			redisClient = nil
		}
	}

	var sqlDB *sqlx.DB
	var gormDB *gorm.DB
	if cfg.Database.DSN != "" {
		sqlDB, err = repository.NewDB(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		gormDB, err = repository.NewGormDB(cfg)
		if err != nil {
			log.Fatalf("Failed to open audit database: %v", err)
		}
		logger.Info("connected to postgres")
	}

	clk := clock.Real()
	st, err := buildStores(cfg, redisClient, sqlDB, gormDB)
	if err != nil {
		log.Fatalf("Failed to initialize stores: %v", err)
	}

	// 3. Initialize Core Services
	auditSvc, err := service.NewAuditService(service.AuditOptions{
		LogDir:        cfg.Audit.LogDir,
		BufferSize:    cfg.Audit.BufferSize,
		RetryAttempts: cfg.Audit.RetryAttempts,
		RetryDelay:    cfg.Audit.RetryDelay(),
		Repo:          st.auditRepo,
		Clock:         clk,
	})
	if err != nil {
		log.Fatalf("Failed to initialize audit service: %v", err)
	}

	directory := service.NewPrincipalDirectory(cfg, st.principals)
	tracker := service.NewBatchTracker(clk, cfg.Batch.MaxErrorDetails)
	engine := service.NewEngine(service.EngineDeps{
		Repo: st.records,
		Limiter: service.NewRateLimiter(st.counters, map[model.OperationClass]int{
			model.OperationExport: cfg.Limits.ExportDaily,
			model.OperationIngest: cfg.Limits.IngestDaily,
		}, clk),
		Policy:    service.FieldPolicyFromConfig(cfg.Permissions),
		Sanitizer: service.NewSanitizer(cfg.FieldTypes),
		Anomaly: service.NewAnomalyDetector(service.AnomalyThresholds{
			BulkRecordCutoff: cfg.Anomaly.BulkRecordCutoff,
			BulkThreshold:    cfg.Anomaly.BulkThreshold,
			BurstThreshold:   cfg.Anomaly.BurstThreshold,
		}),
		History: auditSvc,
		Tracker: tracker,
		Audit:   auditSvc,
		Issuer:  service.NewArtifactIssuer(st.objects, st.tokens, nil, clk, cfg.Export.DownloadTTL()),
		Clock:   clk,
	}, service.EngineOptionsFromConfig(cfg))

	// 4. Setup Router
	r := handler.NewRouter(handler.RouterDeps{
		Config:      cfg,
		Directory:   directory,
		Engine:      engine,
		Tracker:     tracker,
		Audit:       auditSvc,
		Idempotency: st.idempotency,
	})

	maintCtx, stopMaint := context.WithCancel(context.Background())
	go runMaintenance(maintCtx, cfg, clk, tracker, auditSvc, st)

	// 5. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("batchgate started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	stopMaint()
	if err := engine.Shutdown(ctx); err != nil {
		logger.Error("async batches still running at shutdown", "error", err)
	}
	auditSvc.Close()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if sqlDB != nil {
		_ = sqlDB.Close()
	}

	logger.Info("server exiting")
}

type stores struct {
	records     service.RecordRepository
	counters    service.CounterStore
	principals  service.PrincipalRepo
	auditRepo   service.AuditRepo
	objects     service.ObjectStore
	tokens      service.TokenIndex
	idempotency middleware.IdempotencyStore

	gormAudit   *repository.GormAuditRepo
	pgCounters  *repository.PostgresCounterStore
	pgIdem      *repository.PostgresIdempotencyStore
	memCounters *service.MemoryCounterStore
	memTokens   *service.MemoryTokenIndex
	fileStore   *repository.FileObjectStore
}

func buildStores(cfg *config.Config, rc *repository.RedisClient, db *sqlx.DB, gdb *gorm.DB) (*stores, error) {
	st := &stores{}
	ttl := cfg.Export.DownloadTTL()

	if db != nil {
		st.records = repository.NewPostgresRecordRepo(db, cfg.Database.RecordsTable)
		st.principals = repository.NewPostgresPrincipalRepo(db)
	} else {
		logger.Warn("no database configured, records are kept in memory")
		st.records = repository.NewMemoryRecordRepo()
	}

	if gdb != nil {
		st.gormAudit = repository.NewGormAuditRepo(gdb)
		if err := st.gormAudit.AutoMigrate(); err != nil {
			return nil, err
		}
		st.auditRepo = st.gormAudit
	}

	switch {
	case rc != nil:
		st.counters = rc
		st.idempotency = repository.NewRedisIdempotencyStore(rc, 24*time.Hour)
	case db != nil:
		st.pgCounters = repository.NewPostgresCounterStore(db)
		st.counters = st.pgCounters
		st.pgIdem = repository.NewPostgresIdempotencyStore(db, 24*time.Hour)
		st.idempotency = st.pgIdem
	default:
		st.memCounters = service.NewMemoryCounterStore()
		st.counters = st.memCounters
		st.idempotency = middleware.NewInMemIdempotencyStore(24 * time.Hour)
	}

	if rc != nil {
		st.tokens = repository.NewRedisTokenIndex(rc)
	} else {
		st.memTokens = service.NewMemoryTokenIndex()
		st.tokens = st.memTokens
	}

	switch cfg.Export.ArtifactStore {
	case "redis":
		if rc != nil {
			st.objects = repository.NewRedisObjectStore(rc, ttl)
			break
		}
		logger.Warn("artifact_store is redis but redis is unavailable, using local files")
		fallthrough
	case "file":
		fs, err := repository.NewFileObjectStore(cfg.Export.ArtifactDir)
		if err != nil {
			return nil, err
		}
		st.fileStore = fs
		st.objects = fs
	default:
		st.objects = service.NewMemoryObjectStore()
	}
	return st, nil
}

// runMaintenance applies retention to every store that keeps expiring state.
func runMaintenance(ctx context.Context, cfg *config.Config, clk clock.Clock, tracker *service.BatchTracker, auditSvc *service.AuditService, st *stores) {
	interval := time.Duration(cfg.Database.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	auditRetention := time.Duration(cfg.Database.AuditRetentionDays) * 24 * time.Hour
	ttl := cfg.Export.DownloadTTL()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n := tracker.Prune(24 * time.Hour); n > 0 {
			logger.Info("pruned batch jobs", "count", n)
		}
		if n := auditSvc.PruneHistory(); n > 0 {
			logger.Info("evicted idle operation history", "principals", n)
		}
		if st.memCounters != nil {
			st.memCounters.Sweep(clk.Now())
		}
		if st.memTokens != nil {
			st.memTokens.Sweep(clk.Now())
		}
		if st.fileStore != nil {
			if _, err := st.fileStore.Sweep(ttl); err != nil {
				logger.LogError(ctx, err, "artifact sweep failed")
			}
		}
		if st.gormAudit != nil && auditRetention > 0 {
			n, err := st.gormAudit.Cleanup(ctx, auditRetention)
			if err != nil {
				logger.LogError(ctx, err, "audit retention cleanup failed")
			} else if n > 0 {
				logger.Info("removed expired audit records", "count", n)
			}
		}
		if st.pgCounters != nil {
			if err := st.pgCounters.Cleanup(ctx, 48*time.Hour); err != nil {
				logger.LogError(ctx, err, "quota counter cleanup failed")
			}
		}
		if st.pgIdem != nil {
			if err := st.pgIdem.Cleanup(ctx, 24*time.Hour); err != nil {
				logger.LogError(ctx, err, "idempotency cleanup failed")
			}
		}
	}
}
