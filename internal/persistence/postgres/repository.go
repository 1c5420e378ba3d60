package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iamavinashmourya/DevOrbit/internal/domain"
	"github.com/iamavinashmourya/DevOrbit/internal/events"
)

const recordColumns = `activity_id, owner_id, category, title, source, context, start_time, end_time, duration_minutes, history, created_at, updated_at`

// Repository provides Postgres-backed persistence for activity records and
// the transactional outbox.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindMergeCandidate translates the tagged merge query into SQL and returns
// the most recently started match, or nil.
func (r *Repository) FindMergeCandidate(ctx context.Context, q domain.MergeQuery) (*domain.Record, error) {
	clause, arg, err := discriminatorClause(q, 5)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM activities
        WHERE owner_id=$1 AND category=$2 AND start_time BETWEEN $3 AND $4 AND %s
        ORDER BY start_time DESC
        LIMIT 1`, recordColumns, clause)

	var rec *domain.Record
	err = r.withOwnerTx(ctx, q.OwnerID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, query, q.OwnerID, q.Category, q.DayStart, q.DayEnd, arg)
		found, scanErr := scanRecord(row)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return nil
			}
			return scanErr
		}
		rec = found
		return nil
	})
	return rec, err
}

// discriminatorClause maps the identity discriminator to its SQL predicate.
func discriminatorClause(q domain.MergeQuery, argIdx int) (string, string, error) {
	switch q.Field {
	case domain.DiscriminatorDomain:
		return fmt.Sprintf("context->>'domain' = $%d", argIdx), q.Value, nil
	case domain.DiscriminatorPackage:
		return fmt.Sprintf("context->>'package' = $%d", argIdx), q.Value, nil
	case domain.DiscriminatorTitle:
		return fmt.Sprintf("title = $%d", argIdx), q.Value, nil
	default:
		return "", "", fmt.Errorf("unknown discriminator field %q", q.Field)
	}
}

// Create inserts the record and its activity.recorded outbox event in one
// transaction.
func (r *Repository) Create(ctx context.Context, rec domain.Record) error {
	contextJSON, historyJSON, err := encodeDocs(rec)
	if err != nil {
		return err
	}

	return r.withOwnerTx(ctx, rec.OwnerID, func(tx pgx.Tx) error {
		const stmt = `INSERT INTO activities (` + recordColumns + `)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
		if _, err := tx.Exec(ctx, stmt,
			rec.ID, rec.OwnerID, rec.Category, rec.Title, rec.Source,
			contextJSON, rec.StartTime, rec.EndTime, rec.DurationMinutes,
			historyJSON, rec.CreatedAt, rec.UpdatedAt,
		); err != nil {
			return err
		}

		return insertOutbox(ctx, tx, rec, "activity.recorded", events.ActivityRecorded{
			RecordID:        rec.ID,
			OwnerID:         rec.OwnerID,
			Category:        string(rec.Category),
			Title:           rec.Title,
			Source:          string(rec.Source),
			StartTime:       rec.StartTime,
			EndTime:         rec.EndTime,
			DurationMinutes: rec.DurationMinutes,
		})
	})
}

// Update rewrites the mutable fields and records an activity.merged outbox
// event carrying the duration delta.
func (r *Repository) Update(ctx context.Context, rec domain.Record, addedMinutes int) error {
	contextJSON, historyJSON, err := encodeDocs(rec)
	if err != nil {
		return err
	}

	return r.withOwnerTx(ctx, rec.OwnerID, func(tx pgx.Tx) error {
		const stmt = `UPDATE activities
            SET category=$3, title=$4, context=$5, start_time=$6, end_time=$7,
                duration_minutes=$8, history=$9, updated_at=$10
            WHERE owner_id=$1 AND activity_id=$2`
		tag, err := tx.Exec(ctx, stmt,
			rec.OwnerID, rec.ID, rec.Category, rec.Title, contextJSON,
			rec.StartTime, rec.EndTime, rec.DurationMinutes, historyJSON, rec.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("activity %s not found for owner", rec.ID)
		}

		return insertOutbox(ctx, tx, rec, "activity.merged", events.ActivityMerged{
			RecordID:        rec.ID,
			OwnerID:         rec.OwnerID,
			Category:        string(rec.Category),
			Title:           rec.Title,
			DurationMinutes: rec.DurationMinutes,
			AddedMinutes:    addedMinutes,
			OccurredAt:      rec.UpdatedAt,
		})
	})
}

// LatestBySource returns the owner's most recently updated record from the
// given source at or after since.
func (r *Repository) LatestBySource(ctx context.Context, ownerID string, source domain.Source, since time.Time) (*domain.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM activities
        WHERE owner_id=$1 AND source=$2 AND updated_at >= $3
        ORDER BY updated_at DESC
        LIMIT 1`

	var rec *domain.Record
	err := r.withOwnerTx(ctx, ownerID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, query, ownerID, source, since)
		found, scanErr := scanRecord(row)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return nil
			}
			return scanErr
		}
		rec = found
		return nil
	})
	return rec, err
}

// Get retrieves a record by ID, nil when absent.
func (r *Repository) Get(ctx context.Context, ownerID, recordID string) (*domain.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM activities WHERE owner_id=$1 AND activity_id=$2`

	var rec *domain.Record
	err := r.withOwnerTx(ctx, ownerID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, query, ownerID, recordID)
		found, scanErr := scanRecord(row)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return nil
			}
			return scanErr
		}
		rec = found
		return nil
	})
	return rec, err
}

// Delete removes a record.
func (r *Repository) Delete(ctx context.Context, ownerID, recordID string) error {
	return r.withOwnerTx(ctx, ownerID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM activities WHERE owner_id=$1 AND activity_id=$2`, ownerID, recordID)
		return err
	})
}

// ListByOwner returns records newest first with keyset pagination.
func (r *Repository) ListByOwner(ctx context.Context, q domain.ListQuery, cursor *domain.Cursor, limit int) ([]domain.Record, *domain.Cursor, error) {
	args := []interface{}{q.OwnerID, limit}
	query := `SELECT ` + recordColumns + ` FROM activities WHERE owner_id=$1`

	if q.Category != "" {
		args = append(args, q.Category)
		query += fmt.Sprintf(` AND category=$%d`, len(args))
	}
	if !q.From.IsZero() && !q.To.IsZero() {
		args = append(args, q.From, q.To)
		query += fmt.Sprintf(` AND start_time BETWEEN $%d AND $%d`, len(args)-1, len(args))
	}
	if cursor != nil {
		args = append(args, cursor.StartTime, cursor.ID)
		query += fmt.Sprintf(` AND (start_time, activity_id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	query += ` ORDER BY start_time DESC, activity_id DESC LIMIT $2`

	results := make([]domain.Record, 0, limit)
	err := r.withOwnerTx(ctx, q.OwnerID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			rec, scanErr := scanRecord(rows)
			if scanErr != nil {
				return scanErr
			}
			results = append(results, *rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{StartTime: last.StartTime, ID: last.ID}
	}
	return results, next, nil
}

// Summarize aggregates duration by day/category, category distribution, and
// top identities over the window.
func (r *Repository) Summarize(ctx context.Context, ownerID string, from, to time.Time, topLimit int) (*domain.Summary, error) {
	summary := &domain.Summary{}

	err := r.withOwnerTx(ctx, ownerID, func(tx pgx.Tx) error {
		const daily = `SELECT date_trunc('day', start_time) AS day, category, SUM(duration_minutes)::int
            FROM activities
            WHERE owner_id=$1 AND start_time BETWEEN $2 AND $3
            GROUP BY day, category
            ORDER BY day, category`
		rows, err := tx.Query(ctx, daily, ownerID, from, to)
		if err != nil {
			return err
		}
		for rows.Next() {
			var entry domain.DailyTotal
			if err := rows.Scan(&entry.Day, &entry.Category, &entry.TotalMinutes); err != nil {
				rows.Close()
				return err
			}
			summary.DailyTotals = append(summary.DailyTotals, entry)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		const distribution = `SELECT category, SUM(duration_minutes)::int
            FROM activities
            WHERE owner_id=$1 AND start_time BETWEEN $2 AND $3
            GROUP BY category
            ORDER BY 2 DESC`
		rows, err = tx.Query(ctx, distribution, ownerID, from, to)
		if err != nil {
			return err
		}
		for rows.Next() {
			var entry domain.CategoryTotal
			if err := rows.Scan(&entry.Category, &entry.TotalMinutes); err != nil {
				rows.Close()
				return err
			}
			summary.Distribution = append(summary.Distribution, entry)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		const top = `SELECT COALESCE(NULLIF(context->>'domain',''), NULLIF(context->>'package',''), title) AS identity,
                SUM(duration_minutes)::int AS total
            FROM activities
            WHERE owner_id=$1 AND start_time BETWEEN $2 AND $3
            GROUP BY identity
            ORDER BY total DESC
            LIMIT $4`
		rows, err = tx.Query(ctx, top, ownerID, from, to, topLimit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var entry domain.IdentityTotal
			if err := rows.Scan(&entry.Identity, &entry.TotalMinutes); err != nil {
				return err
			}
			summary.TopIdentities = append(summary.TopIdentities, entry)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// withOwnerTx runs fn in a transaction with the owner isolation setting
// applied, committing on success.
func (r *Repository) withOwnerTx(ctx context.Context, ownerID string, fn func(pgx.Tx) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.owner_id', $1, true)", ownerID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, rec domain.Record, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (owner_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = tx.Exec(ctx, stmt,
		rec.OwnerID,
		"activity",
		rec.ID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		rec.OwnerID,
		body,
	)
	return err
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	"activity.recorded": {
		Topic:         "activity_events",
		SchemaSubject: "activity_events-value",
	},
	"activity.merged": {
		Topic:         "activity_merges",
		SchemaSubject: "activity_merges-value",
	},
}

func encodeDocs(rec domain.Record) ([]byte, []byte, error) {
	contextJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return nil, nil, err
	}
	history := rec.History
	if history == nil {
		history = []domain.HistoryEntry{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, nil, err
	}
	return contextJSON, historyJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.Record, error) {
	var (
		rec         domain.Record
		contextJSON []byte
		historyJSON []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.OwnerID, &rec.Category, &rec.Title, &rec.Source,
		&contextJSON, &rec.StartTime, &rec.EndTime, &rec.DurationMinutes,
		&historyJSON, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &rec.Context); err != nil {
			return nil, err
		}
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &rec.History); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}
