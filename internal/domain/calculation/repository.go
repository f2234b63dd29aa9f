package calculation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/infrastructure/postgres"
)

// RepositoryConfig holds history persistence settings
type RepositoryConfig struct {
	// HistoryLimit is the number of calculations kept per user
	HistoryLimit int
	// EventsTopic is the stream topic completion events are relayed to
	EventsTopic string
}

// DefaultRepositoryConfig returns sensible defaults
func DefaultRepositoryConfig() RepositoryConfig {
	return RepositoryConfig{
		HistoryLimit: 100,
		EventsTopic:  "calculation.events",
	}
}

// HistoryEntry is a persisted calculation as seen by its owner
type HistoryEntry struct {
	Result   *Result   `json:"result"`
	Favorite bool      `json:"isFavorite"`
	SavedAt  time.Time `json:"savedAt"`
}

// ListOptions narrows a history listing
type ListOptions struct {
	Limit         int
	FavoritesOnly bool
}

// Repository persists calculation results in PostgreSQL
type Repository struct {
	pool   *pgxpool.Pool
	config RepositoryConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, cfg RepositoryConfig, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultRepositoryConfig().HistoryLimit
	}
	return &Repository{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("calculation-repository"),
		now:    time.Now,
	}
}

// RepairTimestamp replaces zero or implausible timestamps with now
func RepairTimestamp(t, now time.Time) time.Time {
	if t.IsZero() || t.Year() < 2000 || t.After(now.Add(24*time.Hour)) {
		return now.UTC()
	}
	return t.UTC()
}

// Save stores a result for userID together with its completion event in one
// transaction, then prunes the user's history beyond the configured limit.
func (r *Repository) Save(ctx context.Context, userID string, result *Result) error {
	ctx, span := r.tracer.Start(ctx, "save_calculation",
		trace.WithAttributes(attribute.String("calculation_id", result.ID)))
	defer span.End()

	if userID == "" {
		return NewError(KindUnauthenticated, "save", "user id required")
	}

	stored := *result
	stored.UserID = userID
	stored.CreatedAt = RepairTimestamp(stored.CreatedAt, r.now())

	doc, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	event, err := NewEvent(stored.ID, EventCalculationCompleted, CompletedEvent(&stored))
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	event.UserID = userID
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO calculations (id, user_id, drug_name, rxcui, result, is_favorite, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
	`, stored.ID, userID, stored.Input.DrugName, stored.Drug.CanonicalID, doc, stored.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert calculation: %w", err)
	}

	entry := &postgres.OutboxEntry{
		AggregateID:   stored.ID,
		AggregateType: AggregateType,
		EventType:     string(EventCalculationCompleted),
		Payload:       payload,
		KafkaTopic:    r.config.EventsTopic,
		KafkaKey:      userID,
	}
	if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
		span.RecordError(err)
		return err
	}

	pruned, err := r.prune(ctx, tx, userID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	*result = stored
	r.logger.Debug("calculation saved",
		zap.String("calculation_id", stored.ID),
		zap.String("user_id", userID),
		zap.Int64("pruned", pruned))
	return nil
}

// prune deletes the user's calculations beyond the newest HistoryLimit
func (r *Repository) prune(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	tag, err := tx.Exec(ctx, `
		DELETE FROM calculations
		WHERE user_id = $1
		  AND id IN (
			SELECT id FROM calculations
			WHERE user_id = $1
			ORDER BY created_at DESC
			OFFSET $2
		  )
	`, userID, r.config.HistoryLimit)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get returns a calculation owned by userID. Calculations owned by other
// users are reported as not found.
func (r *Repository) Get(ctx context.Context, id, userID string) (*HistoryEntry, error) {
	ctx, span := r.tracer.Start(ctx, "get_calculation",
		trace.WithAttributes(attribute.String("calculation_id", id)))
	defer span.End()

	var (
		owner string
		doc   []byte
		entry HistoryEntry
	)
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, result, is_favorite, created_at
		FROM calculations
		WHERE id = $1
	`, id).Scan(&owner, &doc, &entry.Favorite, &entry.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, Errorf(KindNotFound, "get", "calculation %s not found", id)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query calculation: %w", err)
	}
	if owner != userID {
		r.logger.Warn("calculation ownership mismatch",
			zap.String("calculation_id", id),
			zap.String("user_id", userID))
		return nil, Errorf(KindNotFound, "get", "calculation %s not found", id)
	}

	entry.Result = &Result{}
	if err := json.Unmarshal(doc, entry.Result); err != nil {
		return nil, fmt.Errorf("decode calculation: %w", err)
	}
	return &entry, nil
}

// List returns the user's calculations, newest first
func (r *Repository) List(ctx context.Context, userID string, opts ListOptions) ([]HistoryEntry, error) {
	ctx, span := r.tracer.Start(ctx, "list_calculations")
	defer span.End()

	limit := opts.Limit
	if limit <= 0 || limit > r.config.HistoryLimit {
		limit = r.config.HistoryLimit
	}

	rows, err := r.pool.Query(ctx, `
		SELECT result, is_favorite, created_at
		FROM calculations
		WHERE user_id = $1
		  AND ($2::boolean = FALSE OR is_favorite)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, opts.FavoritesOnly, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0)
	for rows.Next() {
		var (
			doc   []byte
			entry HistoryEntry
		)
		if err := rows.Scan(&doc, &entry.Favorite, &entry.SavedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry.Result = &Result{}
		if err := json.Unmarshal(doc, entry.Result); err != nil {
			r.logger.Warn("skipping undecodable calculation", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SetFavorite marks or unmarks a calculation as favourite
func (r *Repository) SetFavorite(ctx context.Context, id, userID string, favorite bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE calculations SET is_favorite = $3
		WHERE id = $1 AND user_id = $2
	`, id, userID, favorite)
	if err != nil {
		return fmt.Errorf("update favorite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Errorf(KindNotFound, "favorite", "calculation %s not found", id)
	}
	return nil
}

// Delete removes a calculation owned by userID
func (r *Repository) Delete(ctx context.Context, id, userID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM calculations WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete calculation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Errorf(KindNotFound, "delete", "calculation %s not found", id)
	}
	return nil
}

// Ping verifies database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
