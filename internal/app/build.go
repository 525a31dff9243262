package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/pairbooth/internal/config"
	"github.com/ent0n29/pairbooth/internal/events"
	"github.com/ent0n29/pairbooth/internal/httpapi"
	"github.com/ent0n29/pairbooth/internal/layout"
	"github.com/ent0n29/pairbooth/internal/observability"
	"github.com/ent0n29/pairbooth/internal/segments"
	"github.com/ent0n29/pairbooth/internal/signaling"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Rooms     *signaling.Registry
	Hub       *signaling.Hub
	Segments  *segments.Service
	Layouts   *layout.Catalog
	Metrics   *observability.Metrics
	IndexMode string

	// Cleanup should be called on shutdown to release external resources (DB, redis, nats).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	layouts, err := layout.LoadCatalog(cfg.LayoutsFile)
	if err != nil {
		return nil, fmt.Errorf("layout catalog init failed: %w", err)
	}

	segmentBlobs, err := segments.NewBlobStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("segment store init failed: %w", err)
	}
	artifactBlobs, err := segments.NewBlobStore(cfg.ArtifactsDir)
	if err != nil {
		return nil, fmt.Errorf("artifact store init failed: %w", err)
	}

	index, err := segments.NewIndex(ctx, cfg.DatabaseURL, cfg.RedisURL, cfg.SegmentTTL)
	if err != nil {
		return nil, fmt.Errorf("segment index init failed: %w", err)
	}
	indexMode := indexModeOf(index)

	publisher, err := events.NewPublisher(ctx, cfg.NATSURL, logger)
	if err != nil {
		// Events are best effort; the booth works without a bus.
		logger.Warn("event publisher unavailable, events disabled", zap.Error(err))
		publisher = events.Nop{}
	}

	svc, err := segments.NewService(segments.Config{
		FFmpegPath:      cfg.FFmpegPath,
		MaxSegmentBytes: int64(cfg.MaxSegmentBytes),
		ComposeTimeout:  cfg.ComposeTimeout,
		ArtifactsURL:    cfg.PublicBaseURL + "/artifacts",
	}, segments.Deps{
		Index:     index,
		Segments:  segmentBlobs,
		Artifacts: artifactBlobs,
		Layouts:   layouts,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		_ = index.Close()
		_ = publisher.Close()
		return nil, err
	}

	rooms := signaling.NewRegistry(cfg.RoomInactivityTimeout)
	hub := signaling.NewHub(rooms, metrics, logger)

	api := httpapi.New(cfg, httpapi.Deps{
		Hub:       hub,
		Rooms:     rooms,
		Segments:  svc,
		Layouts:   layouts,
		Metrics:   metrics,
		Logger:    logger,
		IndexMode: indexMode,
	})

	cleanup := func() error {
		var errs []string
		if err := publisher.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := index.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Rooms:     rooms,
		Hub:       hub,
		Segments:  svc,
		Layouts:   layouts,
		Metrics:   metrics,
		IndexMode: indexMode,
		Cleanup:   cleanup,
	}, nil
}

func indexModeOf(idx segments.Index) string {
	switch idx.(type) {
	case *segments.PostgresIndex:
		return "postgres"
	case *segments.RedisIndex:
		return "redis"
	default:
		return "memory"
	}
}
