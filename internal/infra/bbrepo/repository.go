// Package bbrepo stores finished frame containers: the encoded blob goes to
// object storage, a row to the container index, and an event to the broker.
package bbrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/beesbook/bb-ingest-service/internal/domain/entity"
	"github.com/beesbook/bb-ingest-service/internal/domain/port"
	"github.com/beesbook/bb-ingest-service/internal/infra/bbbinary"
	"github.com/beesbook/bb-ingest-service/internal/infra/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const keyTimeLayout = "20060102T150405.000000Z"

type Repository struct {
	store  port.ContainerStore
	index  port.ContainerIndex
	events port.ContainerEventPublisher
	logger *zap.Logger
}

func New(store port.ContainerStore, index port.ContainerIndex, events port.ContainerEventPublisher, logger *zap.Logger) *Repository {
	return &Repository{store: store, index: index, events: events, logger: logger}
}

// ObjectKey names the blob of c: cam<id>/<from>_<to>_<id>.bbb.
func ObjectKey(c *entity.Container) string {
	return fmt.Sprintf("cam%d/%s_%s_%016x%s",
		c.CamID,
		formatTimestamp(c.FromTimestamp),
		formatTimestamp(c.ToTimestamp),
		c.ID,
		bbbinary.FileExt,
	)
}

func formatTimestamp(ts float64) string {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format(keyTimeLayout)
}

// Append stores c. The blob is removed again if indexing fails, so a failed
// Append leaves no indexed trace. Event publication is best effort.
func (r *Repository) Append(ctx context.Context, c *entity.Container) error {
	ctx, span := otel.Tracer("bbrepo").Start(ctx, "Repository.Append")
	defer span.End()

	data, err := bbbinary.Encode(c)
	if err != nil {
		return fmt.Errorf("encode container: %w", err)
	}

	key := ObjectKey(c)
	span.SetAttributes(
		attribute.String("container.key", key),
		attribute.Int("container.frames", len(c.Frames)),
		attribute.Int("container.bytes", len(data)),
	)
	log := r.logger.With(zap.String("object_key", key))

	if err := r.store.PutContainer(ctx, key, data); err != nil {
		return fmt.Errorf("store container: %w", err)
	}

	if err := r.index.Insert(ctx, c, key); err != nil {
		if rmErr := r.store.RemoveContainer(ctx, key); rmErr != nil {
			log.Error("failed to remove orphaned container blob", zap.Error(rmErr))
		}
		return fmt.Errorf("index container: %w", err)
	}

	metrics.ContainersStoredTotal.Inc()
	metrics.ContainerSizeBytes.Observe(float64(len(data)))

	sources := make([]string, len(c.DataSources))
	for i, ds := range c.DataSources {
		sources[i] = ds.Filename
	}
	event, _ := json.Marshal(entity.ContainerStoredMessage{
		ContainerID:    fmt.Sprintf("%016x", c.ID),
		CamID:          c.CamID,
		FromTimestamp:  c.FromTimestamp,
		ToTimestamp:    c.ToTimestamp,
		ObjectKey:      key,
		FrameCount:     len(c.Frames),
		DetectionCount: c.DetectionCount(),
		DataSources:    sources,
	})
	if err := r.events.PublishContainerStored(ctx, event); err != nil {
		log.Warn("failed to publish container stored event", zap.Error(err))
	}

	log.Info("container stored",
		zap.Int("frames", len(c.Frames)),
		zap.Int("bytes", len(data)),
	)
	return nil
}
