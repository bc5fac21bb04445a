package port

import "context"

type FailureNotifier interface {
	NotifyFailure(ctx context.Context, videoKey string, errorMsg string) error
}
