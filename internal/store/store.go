// Package store persists archived broker messages, command projections and
// tag state in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
)

// Message kinds.
const (
	KindTelemetry = "telemetry"
	KindCommand   = "command"
	KindTag       = "tag"
)

// Subjects with these prefixes carry replay channel advertisements, which
// are transient and never archived.
var droppedSubjectPrefixes = []string{
	"tspi.channel.replay.",
	"tspi.channel.client.",
}

// MessageRecord is one persisted broker message.
type MessageRecord struct {
	ID          int64
	Subject     string
	Kind        string
	PublishedTS float64
	Headers     map[string]string
	Payload     map[string]any
	CBOR        []byte

	// Telemetry extracts, nil when the payload did not carry them.
	RecvEpochMS *int64
	RecvISO     string
	MessageType string
	SensorID    *int64
	Day         *int64
	TimeS       *float64
}

// TagRecord is the current state of one tag.
type TagRecord struct {
	ID        string
	TS        string
	Creator   string
	Label     string
	Category  string
	Notes     string
	Extra     map[string]any
	Status    string
	UpdatedTS string
}

// Store wraps the SQLite database used by the archiver and replayer.
type Store struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// Open opens (creating if needed) the store at path. Use ":memory:" for an
// ephemeral store in tests.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			subject            TEXT NOT NULL,
			kind               TEXT NOT NULL,
			nats_msg_id        TEXT UNIQUE,
			published_ts       REAL NOT NULL,
			recv_epoch_ms      BIGINT,
			recv_iso           TEXT,
			message_type       TEXT,
			sensor_id          INTEGER,
			day                INTEGER,
			time_s             DOUBLE,
			payload_json       TEXT NOT NULL,
			headers_json       TEXT NOT NULL,
			cbor               BLOB NOT NULL,
			created_at         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS messages_published_idx ON messages (published_ts, id);

		CREATE TABLE IF NOT EXISTS commands (
			cmd_id             TEXT PRIMARY KEY,
			name               TEXT NOT NULL,
			ts                 TEXT NOT NULL,
			sender             TEXT,
			units              TEXT,
			payload_json       TEXT NOT NULL,
			published_ts       REAL NOT NULL,
			message_id         BIGINT NOT NULL,
			created_at         TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(message_id) REFERENCES messages(id)
		);

		CREATE TABLE IF NOT EXISTS tags (
			id                 TEXT PRIMARY KEY,
			ts                 TEXT NOT NULL,
			creator            TEXT,
			label              TEXT,
			category           TEXT,
			notes              TEXT,
			extra_json         TEXT NOT NULL,
			status             TEXT NOT NULL,
			updated_ts         TEXT NOT NULL,
			message_id         BIGINT,
			FOREIGN KEY(message_id) REFERENCES messages(id)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db, path: path, log: log}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for the admin debug console.
func (s *Store) DB() *sql.DB {
	return s.db
}

func droppedSubject(subject string) bool {
	for _, prefix := range droppedSubjectPrefixes {
		if strings.HasPrefix(subject, prefix) {
			return true
		}
	}
	return false
}

// InsertMessage persists one broker message. Returns the new row id and
// true when inserted; (0, false) with a nil error when the message was a
// dedup repeat or carried a non-archived channel subject.
func (s *Store) InsertMessage(subject, kind string, payload map[string]any, headers map[string]string, publishedTS float64, raw []byte) (int64, bool, error) {
	if droppedSubject(subject) {
		return 0, false, nil
	}

	var msgID any
	if id, ok := headers["Nats-Msg-Id"]; ok && id != "" {
		msgID = id
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, false, fmt.Errorf("store: encode payload: %w", err)
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return 0, false, fmt.Errorf("store: encode headers: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (
			subject, kind, nats_msg_id, published_ts,
			recv_epoch_ms, recv_iso, message_type, sensor_id, day, time_s,
			payload_json, headers_json, cbor
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subject, kind, msgID, publishedTS,
		nullableInt(payload, "recv_epoch_ms"),
		nullableString(payload, "recv_iso"),
		nullableString(payload, "type"),
		nullableInt(payload, "sensor_id"),
		nullableInt(payload, "day"),
		nullableFloat(payload, "time_s"),
		string(payloadJSON), string(headersJSON), raw,
	)
	if err != nil {
		return 0, false, fmt.Errorf("store: insert message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("store: rows affected: %w", err)
	}
	if affected == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("store: last insert id: %w", err)
	}
	return id, true, nil
}

// UpsertCommand records a command projection row keyed by cmd_id.
func (s *Store) UpsertCommand(payload map[string]any, messageID int64, publishedTS float64) error {
	cmdID := stringField(payload, "cmd_id")
	if cmdID == "" {
		return nil
	}

	var units any
	if body, ok := payload["payload"].(map[string]any); ok {
		if u := stringField(body, "units"); u != "" {
			units = u
		}
	}
	ts := stringField(payload, "ts")
	if ts == "" {
		ts = timeutil.ISOFormat(timeutil.FromEpochSeconds(publishedTS))
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: encode command: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO commands (cmd_id, name, ts, sender, units, payload_json, published_ts, message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cmd_id) DO UPDATE SET
			name = excluded.name,
			ts = excluded.ts,
			sender = excluded.sender,
			units = excluded.units,
			payload_json = excluded.payload_json,
			published_ts = excluded.published_ts,
			message_id = excluded.message_id`,
		cmdID, stringField(payload, "name"), ts, stringField(payload, "sender"),
		units, string(payloadJSON), publishedTS, messageID,
	)
	if err != nil {
		return fmt.Errorf("store: upsert command %s: %w", cmdID, err)
	}
	return nil
}

// LatestCommand returns the newest stored payload for a command name, or
// nil when none exists.
func (s *Store) LatestCommand(name string) (map[string]any, error) {
	var payloadJSON string
	err := s.db.QueryRow(`
		SELECT payload_json FROM commands
		WHERE name = ?
		ORDER BY published_ts DESC
		LIMIT 1`, name).Scan(&payloadJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest command %s: %w", name, err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("store: decode command %s: %w", name, err)
	}
	return payload, nil
}

// ApplyTagEvent folds a tag create/update/delete event into the tag table.
// Fields absent from the event are carried over from the existing row.
func (s *Store) ApplyTagEvent(subject string, payload map[string]any, messageID int64) error {
	tagID := stringField(payload, "id")
	if tagID == "" {
		return nil
	}

	existing, err := s.GetTag(tagID)
	if err != nil {
		return err
	}

	now := timeutil.ISOFormat(timeutil.RealClock{}.Now())
	ts := stringField(payload, "ts")
	baseTS := ts
	updatedTS := stringField(payload, "updated_ts")
	if updatedTS == "" {
		updatedTS = ts
	}
	if existing != nil {
		if baseTS == "" {
			baseTS = existing.TS
		}
		if updatedTS == "" {
			updatedTS = existing.UpdatedTS
		}
	}
	if baseTS == "" {
		baseTS = now
	}
	if updatedTS == "" {
		updatedTS = now
	}

	creator := stringField(payload, "creator")
	label := stringField(payload, "label")
	category := stringField(payload, "category")
	notes := stringField(payload, "notes")
	extra, _ := payload["extra"].(map[string]any)
	if existing != nil {
		if creator == "" {
			creator = existing.Creator
		}
		if label == "" {
			label = existing.Label
		}
		if category == "" {
			category = existing.Category
		}
		if notes == "" {
			notes = existing.Notes
		}
		if extra == nil {
			extra = existing.Extra
		}
	}
	if extra == nil {
		extra = map[string]any{}
	}

	status := "active"
	switch {
	case strings.HasSuffix(subject, "delete"):
		status = "deleted"
	default:
		if v := stringField(payload, "status"); v != "" {
			status = v
		} else if existing != nil {
			status = existing.Status
		}
	}

	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("store: encode tag extra: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO tags (id, ts, creator, label, category, notes, extra_json, status, updated_ts, message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ts = excluded.ts,
			creator = excluded.creator,
			label = excluded.label,
			category = excluded.category,
			notes = excluded.notes,
			extra_json = excluded.extra_json,
			status = excluded.status,
			updated_ts = excluded.updated_ts,
			message_id = excluded.message_id`,
		tagID, baseTS, creator, label, category, notes,
		string(extraJSON), status, updatedTS, messageID,
	)
	if err != nil {
		return fmt.Errorf("store: apply tag event %s: %w", tagID, err)
	}
	return nil
}

// GetTag returns the current state of one tag, or nil when unknown.
func (s *Store) GetTag(tagID string) (*TagRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, ts, creator, label, category, notes, extra_json, status, updated_ts
		FROM tags WHERE id = ?`, tagID)
	record, err := scanTag(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tag %s: %w", tagID, err)
	}
	return record, nil
}

// ListTags enumerates tags newest-updated first, hiding deleted tags unless
// asked for.
func (s *Store) ListTags(includeDeleted bool) ([]TagRecord, error) {
	query := `
		SELECT id, ts, creator, label, category, notes, extra_json, status, updated_ts
		FROM tags`
	if !includeDeleted {
		query += ` WHERE status != 'deleted'`
	}
	query += ` ORDER BY updated_ts DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("store: list tags: %w", err)
	}
	defer rows.Close()

	var out []TagRecord
	for rows.Next() {
		record, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan tag: %w", err)
		}
		out = append(out, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list tags: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTag(row rowScanner) (*TagRecord, error) {
	var record TagRecord
	var creator, label, category, notes sql.NullString
	var extraJSON string
	if err := row.Scan(&record.ID, &record.TS, &creator, &label, &category, &notes,
		&extraJSON, &record.Status, &record.UpdatedTS); err != nil {
		return nil, err
	}
	record.Creator = creator.String
	record.Label = label.String
	record.Category = category.String
	record.Notes = notes.String
	if err := json.Unmarshal([]byte(extraJSON), &record.Extra); err != nil {
		return nil, err
	}
	return &record, nil
}

// FetchMessagesBetween returns stored messages whose publish instant falls
// in [start, end], ordered by (published_ts, id).
func (s *Store) FetchMessagesBetween(start, end float64) ([]MessageRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, subject, kind, published_ts, recv_epoch_ms, recv_iso,
		       message_type, sensor_id, day, time_s, payload_json, headers_json, cbor
		FROM messages
		WHERE published_ts BETWEEN ? AND ?
		ORDER BY published_ts ASC, id ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("store: fetch messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var record MessageRecord
		var recvEpochMS, sensorID, day sql.NullInt64
		var timeS sql.NullFloat64
		var recvISO, messageType sql.NullString
		var payloadJSON, headersJSON string
		if err := rows.Scan(&record.ID, &record.Subject, &record.Kind, &record.PublishedTS,
			&recvEpochMS, &recvISO, &messageType, &sensorID, &day, &timeS,
			&payloadJSON, &headersJSON, &record.CBOR); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		if recvEpochMS.Valid {
			v := recvEpochMS.Int64
			record.RecvEpochMS = &v
		}
		if sensorID.Valid {
			v := sensorID.Int64
			record.SensorID = &v
		}
		if day.Valid {
			v := day.Int64
			record.Day = &v
		}
		if timeS.Valid {
			v := timeS.Float64
			record.TimeS = &v
		}
		record.RecvISO = recvISO.String
		record.MessageType = messageType.String
		if err := json.Unmarshal([]byte(payloadJSON), &record.Payload); err != nil {
			return nil, fmt.Errorf("store: decode payload: %w", err)
		}
		if err := json.Unmarshal([]byte(headersJSON), &record.Headers); err != nil {
			return nil, fmt.Errorf("store: decode headers: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: fetch messages: %w", err)
	}
	return out, nil
}

// FetchMessagesForTag returns messages inside a window centred on a tag's
// timestamp. Unknown tags yield an empty slice.
func (s *Store) FetchMessagesForTag(tagID string, windowSeconds float64) ([]MessageRecord, error) {
	tag, err := s.GetTag(tagID)
	if err != nil {
		return nil, err
	}
	if tag == nil {
		return nil, nil
	}
	centreTime, err := timeutil.ParseFlexible(tag.TS)
	if err != nil {
		return nil, fmt.Errorf("store: tag %s timestamp: %w", tagID, err)
	}
	centre := timeutil.EpochSeconds(centreTime)
	half := windowSeconds / 2.0
	return s.FetchMessagesBetween(centre-half, centre+half)
}

// CountMessages returns the number of stored messages.
func (s *Store) CountMessages() (int, error) {
	return s.count("messages")
}

// CountCommands returns the number of stored command projections.
func (s *Store) CountCommands() (int, error) {
	return s.count("commands")
}

// CountTags returns the number of stored tags.
func (s *Store) CountTags() (int, error) {
	return s.count("tags")
}

func (s *Store) count(table string) (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count %s: %w", table, err)
	}
	return n, nil
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func nullableString(payload map[string]any, key string) any {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return nil
}

func nullableInt(payload map[string]any, key string) any {
	switch v := payload[key].(type) {
	case int64:
		return v
	case uint64:
		return int64(v)
	case int:
		return int64(v)
	case uint16:
		return int64(v)
	case float64:
		return int64(v)
	}
	return nil
}

func nullableFloat(payload map[string]any, key string) any {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	}
	return nil
}
