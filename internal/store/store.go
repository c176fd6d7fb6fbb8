// Package store persists queue entries for one owner across process
// restarts. Records are JSON payloads in SQLite, each tagged with a schema
// version; anything unreadable is discarded rather than allowed to block
// startup.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/forkful/mediaqueue/internal/model"
)

// SchemaVersion marks the payload layout. Rows written by an incompatible
// build are treated the same as corrupt rows: logged and dropped.
const SchemaVersion = 1

// InitSchema creates the queue table. Called once at daemon startup.
func InitSchema(db *sql.DB) error {
	const stmt = `
	CREATE TABLE IF NOT EXISTS upload_queue (
		owner_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (owner_id, task_id)
	);
	CREATE INDEX IF NOT EXISTS idx_upload_queue_owner ON upload_queue(owner_id);`
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("init queue schema: %w", err)
	}
	return nil
}

// QueueStore is the durable record of one owner's queue. The queue manager
// is its only writer; Load/SaveAll therefore never race with each other.
type QueueStore struct {
	db       *sql.DB
	ownerID  string
	capacity int
}

// New scopes a store to one owner. capacity bounds how many records are
// retained; see SaveAll.
func New(db *sql.DB, ownerID string, capacity int) *QueueStore {
	if capacity <= 0 {
		capacity = 50
	}
	return &QueueStore{db: db, ownerID: ownerID, capacity: capacity}
}

// Load reads and deserializes every record for this owner, oldest first.
// Corruption is fail-open: a bad row is skipped, a failing query resets the
// table and yields an empty queue. Losing not-yet-started uploads is
// preferable to blocking startup.
func (s *QueueStore) Load() ([]*model.UploadTask, error) {
	rows, err := s.db.Query(
		`SELECT task_id, schema_version, payload FROM upload_queue WHERE owner_id = ? ORDER BY created_at ASC`,
		s.ownerID,
	)
	if err != nil {
		log.Printf("queue store: load failed for owner %s, resetting: %v", s.ownerID, err)
		s.reset()
		return nil, nil
	}
	defer rows.Close()

	var tasks []*model.UploadTask
	for rows.Next() {
		var (
			taskID  string
			version int
			payload []byte
		)
		if err := rows.Scan(&taskID, &version, &payload); err != nil {
			log.Printf("queue store: unreadable row for owner %s: %v", s.ownerID, err)
			continue
		}
		if version != SchemaVersion {
			log.Printf("queue store: dropping task %s with schema version %d (want %d)", taskID, version, SchemaVersion)
			continue
		}
		var task model.UploadTask
		if err := json.Unmarshal(payload, &task); err != nil {
			log.Printf("queue store: corrupt payload for task %s, discarding: %v", taskID, err)
			continue
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		log.Printf("queue store: load interrupted for owner %s, resetting: %v", s.ownerID, err)
		s.reset()
		return nil, nil
	}
	return tasks, nil
}

// SaveAll atomically replaces the owner's persisted queue. The capacity
// bound is enforced before writing: oldest terminal records are evicted
// first, non-terminal records only when nothing terminal remains.
func (s *QueueStore) SaveAll(tasks []*model.UploadTask) error {
	tasks = s.enforceCapacity(tasks)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM upload_queue WHERE owner_id = ?`, s.ownerID); err != nil {
		return fmt.Errorf("clear owner rows: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO upload_queue (owner_id, task_id, status, schema_version, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, t := range tasks {
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", t.ID, err)
		}
		if _, err := stmt.Exec(s.ownerID, t.ID, string(t.Status), SchemaVersion, payload, t.CreatedAt); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Clear removes every record for this owner (explicit logout cleanup).
func (s *QueueStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM upload_queue WHERE owner_id = ?`, s.ownerID); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

func (s *QueueStore) enforceCapacity(tasks []*model.UploadTask) []*model.UploadTask {
	if len(tasks) <= s.capacity {
		return tasks
	}
	kept := make([]*model.UploadTask, len(tasks))
	copy(kept, tasks)
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].CreatedAt.Before(kept[j].CreatedAt) })

	over := len(kept) - s.capacity
	out := kept[:0]
	// First pass drops the oldest terminal records.
	for _, t := range kept {
		if over > 0 && t.Status.Terminal() {
			over--
			continue
		}
		out = append(out, t)
	}
	// Only non-terminal records remain over the bound.
	if over > 0 {
		log.Printf("queue store: capacity %d exceeded for owner %s, evicting %d non-terminal records", s.capacity, s.ownerID, over)
		out = out[over:]
	}
	return out
}

// reset drops and recreates the table so subsequent writes succeed after
// corruption. Errors here are logged only; the in-memory queue remains the
// source of truth until the next flush.
func (s *QueueStore) reset() {
	if _, err := s.db.Exec(`DROP TABLE IF EXISTS upload_queue`); err != nil {
		log.Printf("queue store: reset drop failed: %v", err)
		return
	}
	if err := InitSchema(s.db); err != nil {
		log.Printf("queue store: reset init failed: %v", err)
	}
}
