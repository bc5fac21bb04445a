package port

import "context"

type VideoStorage interface {
	DownloadVideo(ctx context.Context, objectKey string, destPath string) error
}

// ContainerStore keeps encoded container blobs.
type ContainerStore interface {
	PutContainer(ctx context.Context, objectKey string, data []byte) error
	RemoveContainer(ctx context.Context, objectKey string) error
}
