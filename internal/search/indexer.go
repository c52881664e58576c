package search

import (
	"context"

	"identity-server/internal/events"
	"identity-server/internal/observability"
)

// Indexer is the search-projection collaborator. Delivery to it is
// best-effort; a failed call leaves the index stale until the next reindex.
type Indexer interface {
	IndexAccount(ctx context.Context, accountID string) error
	RemoveAccount(ctx context.Context, accountID string) error
}

// LogIndexer stands in when no search backend is configured. It records what
// would have been projected so the pipeline stays observable.
type LogIndexer struct {
	logger *observability.Logger
}

func NewLogIndexer(logger *observability.Logger) *LogIndexer {
	return &LogIndexer{logger: logger}
}

func (l *LogIndexer) IndexAccount(_ context.Context, accountID string) error {
	l.logger.Info("search_index_account", map[string]any{"account_id": accountID})
	return nil
}

func (l *LogIndexer) RemoveAccount(_ context.Context, accountID string) error {
	l.logger.Info("search_remove_account", map[string]any{"account_id": accountID})
	return nil
}

// Subscriber bridges account events to the indexer.
type Subscriber struct {
	indexer Indexer
	logger  *observability.Logger
}

func NewSubscriber(indexer Indexer, logger *observability.Logger) *Subscriber {
	return &Subscriber{indexer: indexer, logger: logger}
}

func (s *Subscriber) Handle(ctx context.Context, event any) {
	switch e := event.(type) {
	case events.AccountCreated:
		if err := s.indexer.IndexAccount(ctx, e.AccountID); err != nil {
			s.logger.Error("index_created_account_failed", map[string]any{
				"account_id": e.AccountID,
				"error":      err.Error(),
			})
		}
	case events.AccountUpdated:
		if err := s.indexer.IndexAccount(ctx, e.AccountID); err != nil {
			s.logger.Error("reindex_updated_account_failed", map[string]any{
				"account_id": e.AccountID,
				"error":      err.Error(),
			})
		}
	}
}
