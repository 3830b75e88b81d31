package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hexbauer/loxodon/domain"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct. It wraps a pooled sql.DB handle; callers
// receive it by injection, there is no package-level instance.
type DB struct {
	db *sql.DB
}

// Actor queries
const (
	sqlSelectActorById = `SELECT idx, id, name, display_name, password_hash, email, federation_id, inbox_uri, outbox_uri, local, public_key_pem, private_key_pem, last_refreshed_at
                        FROM actors WHERE id = ?`
	sqlSelectLocalActorByName = `SELECT idx, id, name, display_name, password_hash, email, federation_id, inbox_uri, outbox_uri, local, public_key_pem, private_key_pem, last_refreshed_at
                        FROM actors WHERE name = ? AND local = 1`
	sqlUpsertActor = `INSERT INTO actors(id, name, display_name, password_hash, email, federation_id, inbox_uri, outbox_uri, local, public_key_pem, private_key_pem, last_refreshed_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                        ON CONFLICT(id) DO UPDATE SET
                            name = excluded.name,
                            display_name = excluded.display_name,
                            password_hash = excluded.password_hash,
                            email = excluded.email,
                            federation_id = excluded.federation_id,
                            inbox_uri = excluded.inbox_uri,
                            outbox_uri = excluded.outbox_uri,
                            local = excluded.local,
                            public_key_pem = excluded.public_key_pem,
                            private_key_pem = excluded.private_key_pem,
                            last_refreshed_at = excluded.last_refreshed_at`
)

// Open opens (or creates) the database at the given path and configures the
// connection pool.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	if path == ":memory:" {
		// An in-memory database exists per connection, so the pool must
		// stay at a single connection or every conn sees its own schema.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	// Try to enable WAL2 mode, fall back to WAL if not supported
	var journalMode string
	err = sqlDB.QueryRow("PRAGMA journal_mode=WAL2").Scan(&journalMode)
	if err != nil || journalMode == "delete" {
		err = sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode)
		if err != nil {
			log.Printf("Warning: Failed to enable WAL mode: %v", err)
		}
	}

	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	return &DB{db: sqlDB}, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.db.Close()
}

// ReadActorById returns the actor whose canonical URI equals id.
func (db *DB) ReadActorById(id string) (error, *domain.Actor) {
	row := db.db.QueryRow(sqlSelectActorById, id)
	actor, err := scanActor(row)
	if err == sql.ErrNoRows {
		return fmt.Errorf("actor %s: %w", id, domain.ErrNotFound), nil
	}
	if err != nil {
		return fmt.Errorf("read actor %s: %v: %w", id, err, domain.ErrStorage), nil
	}
	return nil, actor
}

// ReadLocalActorByName returns the single local actor with the given handle.
// Zero rows is a not-found; more than one row violates the local-name
// uniqueness invariant and is surfaced as a storage error.
func (db *DB) ReadLocalActorByName(name string) (error, *domain.Actor) {
	rows, err := db.db.Query(sqlSelectLocalActorByName, name)
	if err != nil {
		return fmt.Errorf("read local actor %s: %v: %w", name, err, domain.ErrStorage), nil
	}
	defer rows.Close()

	var actor *domain.Actor
	count := 0
	for rows.Next() {
		count++
		if count > 1 {
			return fmt.Errorf("local actor name %q matches more than one row: %w", name, domain.ErrStorage), nil
		}
		actor, err = scanActor(rows)
		if err != nil {
			return fmt.Errorf("read local actor %s: %v: %w", name, err, domain.ErrStorage), nil
		}
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("read local actor %s: %v: %w", name, err, domain.ErrStorage), nil
	}
	if count == 0 {
		return fmt.Errorf("local actor %s: %w", name, domain.ErrNotFound), nil
	}
	return nil, actor
}

// UpsertActor inserts the actor, or overwrites all mutable fields in place
// when a row with the same id already exists. Returns the affected row
// count; callers must require exactly one.
func (db *DB) UpsertActor(actor *domain.Actor) (error, int64) {
	var affected int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpsertActor,
			actor.Id,
			actor.Name,
			nullIfEmpty(actor.DisplayName),
			nullIfEmpty(actor.PasswordHash),
			nullIfEmpty(actor.Email),
			nullIfEmpty(actor.FederationId),
			actor.InboxURI,
			nullIfEmpty(actor.OutboxURI),
			actor.Local,
			actor.PublicKeyPem,
			nullIfEmpty(actor.PrivateKeyPem),
			actor.LastRefreshedAt,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert actor %s: %v: %w", actor.Id, err, domain.ErrStorage), 0
	}
	return nil, affected
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (*domain.Actor, error) {
	var actor domain.Actor
	var displayName, passwordHash, email, federationId, outboxURI, privateKeyPem sql.NullString
	err := row.Scan(
		&actor.Idx,
		&actor.Id,
		&actor.Name,
		&displayName,
		&passwordHash,
		&email,
		&federationId,
		&actor.InboxURI,
		&outboxURI,
		&actor.Local,
		&actor.PublicKeyPem,
		&privateKeyPem,
		&actor.LastRefreshedAt,
	)
	if err != nil {
		return nil, err
	}
	actor.DisplayName = displayName.String
	actor.PasswordHash = passwordHash.String
	actor.Email = email.String
	actor.FederationId = federationId.String
	actor.OutboxURI = outboxURI.String
	actor.PrivateKeyPem = privateKeyPem.String
	return &actor, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Follow queries
const (
	sqlInsertFollow             = `INSERT OR IGNORE INTO follows(id, account_id, target_account_id, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectFollowByAccountIds = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows WHERE account_id = ? AND target_account_id = ?`
)

// CreateFollow records the follow edge. Re-applying an existing edge is a
// no-op success: INSERT OR IGNORE over UNIQUE(account_id, target_account_id)
// makes the operation idempotent.
func (db *DB) CreateFollow(follow *domain.Follow) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(),
			follow.AccountId,
			follow.TargetAccountId,
			follow.URI,
			follow.Accepted,
			follow.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("create follow %s -> %s: %v: %w", follow.AccountId, follow.TargetAccountId, err, domain.ErrStorage)
	}
	return nil
}

func (db *DB) ReadFollowByAccountIds(accountId string, targetAccountId string) (error, *domain.Follow) {
	return db.readFollow(sqlSelectFollowByAccountIds, accountId, targetAccountId)
}

func (db *DB) readFollow(query string, args ...any) (error, *domain.Follow) {
	row := db.db.QueryRow(query, args...)
	var follow domain.Follow
	var idStr string
	err := row.Scan(
		&idStr,
		&follow.AccountId,
		&follow.TargetAccountId,
		&follow.URI,
		&follow.Accepted,
		&follow.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return fmt.Errorf("follow: %w", domain.ErrNotFound), nil
	}
	if err != nil {
		return fmt.Errorf("read follow: %v: %w", err, domain.ErrStorage), nil
	}
	follow.Id, _ = uuid.Parse(idStr)
	return nil, &follow
}

// Activity queries
const (
	sqlInsertActivity      = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateActivity      = `UPDATE activities SET processed = ?, object_uri = ? WHERE id = ?`
	sqlSelectActivityByURI = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at FROM activities WHERE activity_uri = ?`
)

func (db *DB) CreateActivity(activity *domain.Activity) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Processed,
			activity.Local,
			activity.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("create activity %s: %v: %w", activity.ActivityURI, err, domain.ErrStorage)
	}
	return nil
}

func (db *DB) UpdateActivity(activity *domain.Activity) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActivity,
			activity.Processed,
			activity.ObjectURI,
			activity.Id.String(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("update activity %s: %v: %w", activity.ActivityURI, err, domain.ErrStorage)
	}
	return nil
}

func (db *DB) ReadActivityByURI(uri string) (error, *domain.Activity) {
	row := db.db.QueryRow(sqlSelectActivityByURI, uri)
	var activity domain.Activity
	var idStr string
	err := row.Scan(
		&idStr,
		&activity.ActivityURI,
		&activity.ActivityType,
		&activity.ActorURI,
		&activity.ObjectURI,
		&activity.RawJSON,
		&activity.Processed,
		&activity.Local,
		&activity.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return fmt.Errorf("activity %s: %w", uri, domain.ErrNotFound), nil
	}
	if err != nil {
		return fmt.Errorf("read activity %s: %v: %w", uri, err, domain.ErrStorage), nil
	}
	activity.Id, _ = uuid.Parse(idStr)
	return nil, &activity
}

// Delivery queue queries
const (
	sqlInsertDeliveryQueue     = `INSERT INTO delivery_queue(id, inbox_uri, activity_json, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, inbox_uri, activity_json, attempts, next_retry_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt   = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery          = `DELETE FROM delivery_queue WHERE id = ?`
)

func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryQueue,
			item.Id.String(),
			item.InboxURI,
			item.ActivityJSON,
			item.Attempts,
			item.NextRetryAt,
			item.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("enqueue delivery to %s: %v: %w", item.InboxURI, err, domain.ErrStorage)
	}
	return nil
}

func (db *DB) ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	rows, err := db.db.Query(sqlSelectPendingDeliveries, time.Now(), limit)
	if err != nil {
		return fmt.Errorf("read delivery queue: %v: %w", err, domain.ErrStorage), nil
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr string
		if err := rows.Scan(&idStr, &item.InboxURI, &item.ActivityJSON, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return fmt.Errorf("read delivery queue: %v: %w", err, domain.ErrStorage), &items
		}
		item.Id, _ = uuid.Parse(idStr)
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("read delivery queue: %v: %w", err, domain.ErrStorage), &items
	}
	return nil, &items
}

func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, nextRetry, id.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("update delivery %s: %v: %w", id, err, domain.ErrStorage)
	}
	return nil
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("delete delivery %s: %v: %w", id, err, domain.ErrStorage)
	}
	return nil
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}
