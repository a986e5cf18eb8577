package interfaces

import (
	"context"
	"io"

	"github.com/jcalloway/shopsim/internal/models"
)

// OracleClient is the external LLM service consulted to simulate a week.
// Implementations must classify transport errors into the models.ErrorKind
// taxonomy so callers can decide between retry and terminal failure.
type OracleClient interface {
	// Complete runs one chat-completions request synchronously.
	Complete(ctx context.Context, req *models.OracleRequest) (*models.ChatCompletion, error)

	// UploadFile uploads a newline-delimited JSON batch input file.
	UploadFile(ctx context.Context, filename string, r io.Reader) (*models.OracleFile, error)

	// CreateBatch submits a batch referencing an uploaded input file.
	CreateBatch(ctx context.Context, inputFileID, endpoint string) (*models.OracleBatch, error)

	// GetBatch retrieves the oracle's current view of a batch.
	GetBatch(ctx context.Context, oracleBatchID string) (*models.OracleBatch, error)

	// DownloadFile streams the content of an oracle file.
	DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error)

	// Endpoint returns the chat-completions URL path used in batch lines.
	Endpoint() string

	// Model returns the configured model identifier.
	Model() string
}

// NotificationSink receives downstream events after completed ledger
// appends. Emission is at-least-once; consumers deduplicate by entry id.
type NotificationSink interface {
	Emit(ctx context.Context, event *models.NotificationPayload) error
}
