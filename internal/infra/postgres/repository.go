package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/beesbook/bb-ingest-service/internal/domain/entity"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

// RunMigrations applies the embedded schema files in name order. Every file
// is written to be idempotent.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// ContainerIndex records stored containers in frame_containers. The worker
// only inserts; FindByID and FindOverlapping are the lookup side used by
// tools that locate container blobs for a camera and time range.
type ContainerIndex struct {
	pool *pgxpool.Pool
}

func NewContainerIndex(pool *pgxpool.Pool) *ContainerIndex {
	return &ContainerIndex{pool: pool}
}

// IndexedContainer is one row of frame_containers.
type IndexedContainer struct {
	ID            uint64
	CamID         uint16
	FromTimestamp float64
	ToTimestamp   float64
	ObjectKey     string
	FrameCount    int
	DataSources   []string
}

func (r *ContainerIndex) Insert(ctx context.Context, c *entity.Container, objectKey string) error {
	query := `
		INSERT INTO frame_containers (
			id, cam_id, from_ts, to_ts, object_key, frame_count, data_sources
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	sources := make([]string, len(c.DataSources))
	for i, ds := range c.DataSources {
		sources[i] = ds.Filename
	}

	_, err := r.pool.Exec(ctx, query,
		// ids use all 64 bits; store the bit pattern in a BIGINT
		int64(c.ID), int32(c.CamID), c.FromTimestamp, c.ToTimestamp,
		objectKey, len(c.Frames), sources,
	)
	if err != nil {
		return fmt.Errorf("insert container: %w", err)
	}
	return nil
}

// FindByID returns the index row of container id, or an error wrapping
// entity.ErrNotFound.
func (r *ContainerIndex) FindByID(ctx context.Context, id uint64) (*IndexedContainer, error) {
	query := `
		SELECT id, cam_id, from_ts, to_ts, object_key, frame_count, data_sources
		FROM frame_containers WHERE id=$1`

	var (
		rawID int64
		camID int32
		c     IndexedContainer
	)
	err := r.pool.QueryRow(ctx, query, int64(id)).Scan(
		&rawID, &camID, &c.FromTimestamp, &c.ToTimestamp,
		&c.ObjectKey, &c.FrameCount, &c.DataSources,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: container %x", entity.ErrNotFound, id)
		}
		return nil, fmt.Errorf("find container by id: %w", err)
	}
	c.ID = uint64(rawID)
	c.CamID = uint16(camID)
	return &c, nil
}

// FindOverlapping lists containers of a camera whose range intersects [from, to].
func (r *ContainerIndex) FindOverlapping(ctx context.Context, camID uint16, from, to float64) ([]IndexedContainer, error) {
	query := `
		SELECT id, cam_id, from_ts, to_ts, object_key, frame_count, data_sources
		FROM frame_containers
		WHERE cam_id=$1 AND from_ts <= $3 AND to_ts >= $2
		ORDER BY from_ts`

	rows, err := r.pool.Query(ctx, query, int32(camID), from, to)
	if err != nil {
		return nil, fmt.Errorf("query containers: %w", err)
	}
	defer rows.Close()

	var out []IndexedContainer
	for rows.Next() {
		var (
			rawID int64
			cam   int32
			c     IndexedContainer
		)
		if err := rows.Scan(&rawID, &cam, &c.FromTimestamp, &c.ToTimestamp, &c.ObjectKey, &c.FrameCount, &c.DataSources); err != nil {
			return nil, fmt.Errorf("scan container: %w", err)
		}
		c.ID = uint64(rawID)
		c.CamID = uint16(cam)
		out = append(out, c)
	}
	return out, rows.Err()
}
