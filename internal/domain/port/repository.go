package port

import (
	"context"

	"github.com/beesbook/bb-ingest-service/internal/domain/entity"
)

// ContainerRepository receives finished containers. Append takes ownership
// of the container.
type ContainerRepository interface {
	Append(ctx context.Context, c *entity.Container) error
}

// ContainerIndex records where a stored container lives.
type ContainerIndex interface {
	Insert(ctx context.Context, c *entity.Container, objectKey string) error
}
