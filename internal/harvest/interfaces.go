package harvest

import (
	"context"
	"io"
	"time"
)

// StateStore is the durable ledger of processed dates and downloaded artifacts.
// Writes are acknowledged only after they are durable.
type StateStore interface {
	IsDateProcessed(ctx context.Context, date time.Time) (bool, error)
	RecordDateProcessed(ctx context.Context, date time.Time, pages, items int) error
	OldestProcessedDate(ctx context.Context) (time.Time, bool, error)
	NewestProcessedDate(ctx context.Context) (time.Time, bool, error)
	ForgetDate(ctx context.Context, date time.Time) error
	IsArtifactDownloaded(ctx context.Context, urlOrKey string) (bool, error)
	RecordArtifact(ctx context.Context, artifact DownloadedArtifact) error
	DownloadedURLs(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Budget gates outbound requests against the local quota.
type Budget interface {
	CanProceed() bool
	Acquire(ctx context.Context) error
	Used() int
}

// Fetcher performs a single HTTP GET.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore writes raw objects and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes JSON payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for integrity sidecars.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper pauses for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
