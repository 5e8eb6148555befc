package repo

import (
	"context"
	"time"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
)

// QueueRepo is the persistent queue store.
// Every method must be safe when several daemon processes share one store.
type QueueRepo interface {
	// EnqueueInbound inserts a pending inbound item, returning domain.ErrDuplicateKey if the id exists
	EnqueueInbound(ctx context.Context, item *domain.InboundItem) error

	// ClaimInbound atomically moves up to limit pending items to processing, oldest fetched first
	ClaimInbound(ctx context.Context, limit int) ([]*domain.InboundItem, error)

	// CompleteInbound moves a processing item to status
	CompleteInbound(ctx context.Context, id string, status domain.InboundStatus, detail string) error

	// ResetInbound moves an error item back to pending
	ResetInbound(ctx context.Context, id string) error

	// EnqueueOutbound inserts a pending outbound item, returning domain.ErrDuplicateKey if the id exists
	EnqueueOutbound(ctx context.Context, item *domain.OutboundItem) error

	// ClaimOutbound atomically moves up to limit pending items to sending, oldest created first
	ClaimOutbound(ctx context.Context, limit int) ([]*domain.OutboundItem, error)

	// CompleteOutbound moves a sending item to status
	CompleteOutbound(ctx context.Context, id string, status domain.OutboundStatus, detail string) error

	// RetryOutbound records a failed send attempt. The item returns to pending,
	// or to error once its retry counter reaches maxRetries.
	RetryOutbound(ctx context.Context, id, detail string, maxRetries int) (*domain.OutboundItem, error)

	// ResetOutbound moves an error item back to pending
	ResetOutbound(ctx context.Context, id string) error

	HasResponded(ctx context.Context, id string) (bool, error)
	RecordResponded(ctx context.Context, rec *domain.RespondedRecord) error
	UpsertThreadWatch(ctx context.Context, channelID, threadID string) error
	RecordSelfResponse(ctx context.Context, rec *domain.SelfResponseRecord) error

	// IsSelfResponse matches channel, thread and normalized text against self responses newer than lookback
	IsSelfResponse(ctx context.Context, channelID, threadID, text string, lookback time.Duration) (bool, error)

	// CountSelfResponses counts self responses in a thread since the given time
	CountSelfResponses(ctx context.Context, channelID, threadID string, since time.Time) (int, error)

	// CountQueuedResponses counts pending or sending outbound items in a thread created since the given time,
	// leaving out excludeID
	CountQueuedResponses(ctx context.Context, channelID, threadID, excludeID string, since time.Time) (int, error)

	// PendingCounts returns the number of pending inbound and outbound items
	PendingCounts(ctx context.Context) (inbound, outbound int, err error)

	Stats(ctx context.Context) (*domain.QueueStats, error)
	ListInbound(ctx context.Context, status domain.InboundStatus, limit int) ([]*domain.InboundItem, error)
	ListOutbound(ctx context.Context, status domain.OutboundStatus, limit int) ([]*domain.OutboundItem, error)
	ListThreadWatches(ctx context.Context, limit int) ([]*domain.ThreadWatch, error)

	// RequeueStale returns processing/sending items claimed before the cutoffs to pending
	RequeueStale(ctx context.Context, inboundBefore, outboundBefore time.Time) (int64, error)

	// Cleanup deletes terminal items and ledger rows older than before
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// OperationRepo is the registry of running operations swept by the monitor
type OperationRepo interface {
	BeginOperation(ctx context.Context, role domain.Role, pid int, host string) (int64, error)
	EndOperation(ctx context.Context, id int64) error
	ListActiveOperations(ctx context.Context) ([]*domain.Operation, error)
}

// Store is a queue store that also keeps the operation registry
type Store interface {
	QueueRepo
	OperationRepo
}
