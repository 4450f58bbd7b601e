package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"session-store/internal/services/health"
	"session-store/internal/sessions"
	"session-store/internal/shared/config"
	"session-store/internal/shared/server"
	"session-store/internal/shared/storage/object"
	localstore "session-store/internal/shared/storage/object/local"
	miniostore "session-store/internal/shared/storage/object/minio"
	s3store "session-store/internal/shared/storage/object/s3"
	"session-store/internal/shared/telemetry"
)

const defaultMinioEndpoint = "localhost:9000"

// App holds shared dependencies.
type App struct {
	Config         config.Config
	Router         *gin.Engine
	Store          object.Store
	SessionService *sessions.Service
	SessionHandler *sessions.Handler
	Health         *health.Service
}

// Build constructs the backend, verifies the bucket and wires routes. A
// backend that cannot be reached yields a *sessions.ConfigurationError and
// no App.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = config.StoreLocal
	}
	if strings.TrimSpace(cfg.BucketName) == "" {
		return nil, &sessions.ConfigurationError{Err: fmt.Errorf("BUCKET_NAME is required")}
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, &sessions.ConfigurationError{Bucket: cfg.BucketName, Err: err}
	}
	return BuildWithStore(ctx, cfg, store)
}

// BuildWithStore wires an App around an already constructed backend.
func BuildWithStore(ctx context.Context, cfg config.Config, store object.Store) (*App, error) {
	if cfg.StartupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.StartupTimeout)
		defer cancel()
	}

	svc := sessions.NewService(store, cfg.StagingDir)
	if err := svc.Init(ctx); err != nil {
		return nil, err
	}
	telemetry.Info("bootstrap.ready", map[string]any{
		"instance_id":  cfg.InstanceID,
		"object_store": cfg.ObjectStoreType,
		"bucket":       store.Bucket(),
	})

	app := &App{
		Config:         cfg,
		Store:          store,
		SessionService: svc,
		SessionHandler: sessions.NewHandler(svc, cfg.MaxUploadBytes),
		Health:         health.NewService(cfg.InstanceID, svc),
	}
	app.Router = server.NewRouter(server.RouterDeps{
		Config:         cfg,
		SessionHandler: app.SessionHandler,
		Health:         app.Health,
	})
	return app, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.Store, error) {
	switch cfg.ObjectStoreType {
	case config.StoreS3:
		return s3store.New(ctx, s3store.Options{
			Region:         cfg.AWSRegion,
			Bucket:         cfg.BucketName,
			Prefix:         cfg.S3Prefix,
			Endpoint:       s3Endpoint(cfg),
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			ForcePathStyle: cfg.S3ForcePathStyle,
			KMSKeyID:       cfg.SSEKMSKeyID,
		})
	case config.StoreMinio:
		endpoint := cfg.S3Endpoint
		if strings.TrimSpace(endpoint) == "" {
			endpoint = defaultMinioEndpoint
		}
		return miniostore.New(miniostore.Options{
			Endpoint:  endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			Region:    cfg.AWSRegion,
			Bucket:    cfg.BucketName,
			Prefix:    cfg.S3Prefix,
		})
	default:
		return localstore.New(cfg.LocalStoreDir, cfg.BucketName)
	}
}

// s3Endpoint turns a bare host:port into a URL for the AWS SDK. An empty
// endpoint keeps the SDK's regional default.
func s3Endpoint(cfg config.Config) string {
	ep := strings.TrimSpace(cfg.S3Endpoint)
	if ep == "" || strings.Contains(ep, "://") {
		return ep
	}
	if cfg.S3UseSSL {
		return "https://" + ep
	}
	return "http://" + ep
}
