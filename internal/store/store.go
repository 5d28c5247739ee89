package store

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// Archive is the durable record of finished executions and their event log.
// The engine saves an execution's terminal snapshot here before dropping it
// from the live store. All implementations must be safe for concurrent use.
type Archive interface {
	// Executions
	SaveExecution(ctx context.Context, report *schema.ExecutionReport) error
	GetExecution(ctx context.Context, id string) (*schema.ExecutionReport, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionReport, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	Events(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Lifecycle
	Close() error
}

// SecretStore holds encrypted values by key. The vault layers encryption on
// top of it.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
