package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"go.mau.fi/hicore/event"
	"go.mau.fi/hicore/id"
)

// maxStoredFileSize is the attachment size ceiling storeFile enforces
// locally; callers (event.FileCache implementations) should also consult
// MaxFileSize before attempting a cache write.
const maxStoredFileSize = 50 * 1024 * 1024

const schema = `
CREATE TABLE IF NOT EXISTS client (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_name TEXT NOT NULL UNIQUE,
	homeserver TEXT NOT NULL,
	access_token TEXT NOT NULL,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	device_name TEXT NOT NULL,
	prev_batch TEXT NOT NULL DEFAULT '',
	pickled_olm_account TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS account_data (
	client_id INTEGER NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	PRIMARY KEY (client_id, type)
);
CREATE TABLE IF NOT EXISTS room (
	client_id INTEGER NOT NULL,
	room_id TEXT NOT NULL,
	membership TEXT NOT NULL,
	prev_batch TEXT NOT NULL DEFAULT '',
	highlight_count INTEGER NOT NULL DEFAULT 0,
	notification_count INTEGER NOT NULL DEFAULT 0,
	heroes TEXT NOT NULL DEFAULT '[]',
	joined_count INTEGER NOT NULL DEFAULT 0,
	invited_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (client_id, room_id)
);
CREATE TABLE IF NOT EXISTS event (
	client_id INTEGER NOT NULL,
	room_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	type TEXT NOT NULL,
	sender TEXT NOT NULL,
	origin_server_ts INTEGER NOT NULL,
	content TEXT NOT NULL,
	unsigned TEXT NOT NULL,
	state_key TEXT,
	prev_content TEXT,
	status INTEGER NOT NULL,
	sort_order REAL NOT NULL,
	PRIMARY KEY (client_id, room_id, event_id)
);
CREATE TABLE IF NOT EXISTS file_cache (
	uri TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	stored_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS device_key (
	client_id INTEGER NOT NULL,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	ed25519_key TEXT NOT NULL,
	curve25519_key TEXT NOT NULL,
	direct_verified INTEGER NOT NULL DEFAULT 0,
	blocked INTEGER NOT NULL DEFAULT 0,
	valid_signatures INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (client_id, user_id, device_id)
);
CREATE TABLE IF NOT EXISTS cross_signing_key (
	client_id INTEGER NOT NULL,
	user_id TEXT NOT NULL,
	usage TEXT NOT NULL,
	public_key TEXT NOT NULL,
	direct_verified INTEGER NOT NULL DEFAULT 0,
	blocked INTEGER NOT NULL DEFAULT 0,
	valid_signatures INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (client_id, user_id, usage)
);
CREATE TABLE IF NOT EXISTS device_key_tracking (
	client_id INTEGER NOT NULL,
	user_id TEXT NOT NULL,
	outdated INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (client_id, user_id)
);
`

// SQLite is the Database implementation backed by database/sql over
// github.com/mattn/go-sqlite3.
type SQLite struct {
	db *sql.DB
}

// Open creates (if necessary) and migrates a sqlite database at path.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// querier is satisfied by both *sql.DB and *sql.Tx, letting every method
// below run either directly on the connection or inside Transaction's tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

func (s *SQLite) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// Transaction runs fn with a context carrying an active *sql.Tx; every
// Database method called with that context participates in the same
// transaction. Matches §5's "one transaction per sync pass" requirement.
func (s *SQLite) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) GetClient(ctx context.Context, name string) (*ClientRow, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT id, client_name, homeserver, access_token, user_id, device_id, device_name, prev_batch, pickled_olm_account FROM client WHERE client_name=?`, name)
	var c ClientRow
	err := row.Scan(&c.ID, &c.ClientName, &c.Homeserver, &c.AccessToken, &c.UserID, &c.DeviceID, &c.DeviceName, &c.PrevBatch, &c.PickledOlmAccount)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &c, nil
}

func (s *SQLite) InsertClient(ctx context.Context, c *ClientRow) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO client (client_name, homeserver, access_token, user_id, device_id, device_name, prev_batch, pickled_olm_account) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ClientName, c.Homeserver, c.AccessToken, c.UserID, c.DeviceID, c.DeviceName, c.PrevBatch, c.PickledOlmAccount)
	if err != nil {
		return 0, fmt.Errorf("failed to insert client: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLite) UpdateClient(ctx context.Context, c *ClientRow) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`UPDATE client SET homeserver=?, access_token=?, user_id=?, device_id=?, device_name=?, prev_batch=?, pickled_olm_account=? WHERE id=?`,
		c.Homeserver, c.AccessToken, c.UserID, c.DeviceID, c.DeviceName, c.PrevBatch, c.PickledOlmAccount, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	return nil
}

func (s *SQLite) StorePrevBatch(ctx context.Context, clientID int64, prevBatch string) error {
	_, err := s.q(ctx).ExecContext(ctx, `UPDATE client SET prev_batch=? WHERE id=?`, prevBatch, clientID)
	return err
}

func (s *SQLite) StoreAccountData(ctx context.Context, clientID int64, evtType string, content json.RawMessage) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO account_data (client_id, type, content) VALUES (?, ?, ?)
		 ON CONFLICT (client_id, type) DO UPDATE SET content=excluded.content`,
		clientID, evtType, string(content))
	return err
}

func (s *SQLite) GetAccountData(ctx context.Context, clientID int64) (map[string]json.RawMessage, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT type, content FROM account_data WHERE client_id=?`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query account data: %w", err)
	}
	defer rows.Close()
	out := map[string]json.RawMessage{}
	for rows.Next() {
		var t, content string
		if err := rows.Scan(&t, &content); err != nil {
			return nil, fmt.Errorf("failed to scan account data row: %w", err)
		}
		out[t] = json.RawMessage(content)
	}
	return out, rows.Err()
}

func (s *SQLite) StoreRoomUpdate(ctx context.Context, clientID int64, r *RoomRow) error {
	heroes, err := json.Marshal(r.Heroes)
	if err != nil {
		return fmt.Errorf("failed to marshal heroes: %w", err)
	}
	_, err = s.q(ctx).ExecContext(ctx,
		`INSERT INTO room (client_id, room_id, membership, prev_batch, highlight_count, notification_count, heroes, joined_count, invited_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (client_id, room_id) DO UPDATE SET
		   membership=excluded.membership, prev_batch=excluded.prev_batch,
		   highlight_count=excluded.highlight_count, notification_count=excluded.notification_count,
		   heroes=excluded.heroes, joined_count=excluded.joined_count, invited_count=excluded.invited_count`,
		clientID, r.RoomID, r.Membership, r.PrevBatch, r.HighlightCount, r.NotificationCount, string(heroes), r.JoinedCount, r.InvitedCount)
	return err
}

func (s *SQLite) GetRoomList(ctx context.Context, clientID int64, onlyLeft bool) ([]*RoomRow, error) {
	query := `SELECT room_id, membership, prev_batch, highlight_count, notification_count, heroes, joined_count, invited_count FROM room WHERE client_id=?`
	if onlyLeft {
		query += ` AND membership='leave'`
	}
	rows, err := s.q(ctx).QueryContext(ctx, query, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query room list: %w", err)
	}
	defer rows.Close()
	var out []*RoomRow
	for rows.Next() {
		var r RoomRow
		var heroes string
		if err := rows.Scan(&r.RoomID, &r.Membership, &r.PrevBatch, &r.HighlightCount, &r.NotificationCount, &heroes, &r.JoinedCount, &r.InvitedCount); err != nil {
			return nil, fmt.Errorf("failed to scan room row: %w", err)
		}
		_ = json.Unmarshal([]byte(heroes), &r.Heroes)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLite) StoreEventUpdate(ctx context.Context, clientID int64, roomID id.RoomID, e *event.Row) error {
	var stateKey any
	if e.StateKey != nil {
		stateKey = *e.StateKey
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO event (client_id, room_id, event_id, type, sender, origin_server_ts, content, unsigned, state_key, prev_content, status, sort_order)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (client_id, room_id, event_id) DO UPDATE SET
		   content=excluded.content, unsigned=excluded.unsigned, prev_content=excluded.prev_content,
		   status=excluded.status, sort_order=excluded.sort_order`,
		clientID, roomID, e.ID, e.Type, e.Sender, e.OriginServerTS, string(e.Content), string(e.Unsigned), stateKey, string(e.PrevContent), int(e.Status), e.SortOrder)
	return err
}

func (s *SQLite) RemoveEvent(ctx context.Context, clientID int64, eventID id.EventID) error {
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM event WHERE client_id=? AND event_id=?`, clientID, eventID)
	return err
}

func (s *SQLite) StoreFile(ctx context.Context, uri string, data []byte, ts int64) error {
	if int64(len(data)) > s.MaxFileSize() {
		return fmt.Errorf("file %s exceeds max file size (%d > %d)", uri, len(data), s.MaxFileSize())
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO file_cache (uri, data, stored_at) VALUES (?, ?, ?)
		 ON CONFLICT (uri) DO UPDATE SET data=excluded.data, stored_at=excluded.stored_at`,
		uri, data, ts)
	return err
}

func (s *SQLite) GetFile(ctx context.Context, uri string) ([]byte, bool, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT data FROM file_cache WHERE uri=?`, uri)
	var data []byte
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to get cached file: %w", err)
	}
	return data, true, nil
}

func (s *SQLite) DeleteOldFiles(ctx context.Context, beforeTS int64) (int, error) {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM file_cache WHERE stored_at < ?`, beforeTS)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old files: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) MaxFileSize() int64 { return maxStoredFileSize }

func (s *SQLite) StoreUserDeviceKey(ctx context.Context, clientID int64, userID id.UserID, dk DeviceKeyRow) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO device_key (client_id, user_id, device_id, ed25519_key, curve25519_key, direct_verified, blocked, valid_signatures)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (client_id, user_id, device_id) DO UPDATE SET
		   ed25519_key=excluded.ed25519_key, curve25519_key=excluded.curve25519_key,
		   direct_verified=excluded.direct_verified, blocked=excluded.blocked, valid_signatures=excluded.valid_signatures`,
		clientID, userID, dk.DeviceID, dk.Ed25519Key, dk.Curve25519Key, dk.DirectVerified, dk.Blocked, dk.ValidSignatures)
	return err
}

func (s *SQLite) RemoveUserDeviceKey(ctx context.Context, clientID int64, userID id.UserID, deviceID id.DeviceID) error {
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM device_key WHERE client_id=? AND user_id=? AND device_id=?`, clientID, userID, deviceID)
	return err
}

func (s *SQLite) StoreUserDeviceKeysInfo(ctx context.Context, clientID int64, userID id.UserID, outdated bool) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO device_key_tracking (client_id, user_id, outdated) VALUES (?, ?, ?)
		 ON CONFLICT (client_id, user_id) DO UPDATE SET outdated=excluded.outdated`,
		clientID, userID, outdated)
	return err
}

func (s *SQLite) StoreUserCrossSigningKey(ctx context.Context, clientID int64, userID id.UserID, usage string, key CrossSigningKeyRow) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO cross_signing_key (client_id, user_id, usage, public_key, direct_verified, blocked, valid_signatures)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (client_id, user_id, usage) DO UPDATE SET
		   public_key=excluded.public_key, direct_verified=excluded.direct_verified,
		   blocked=excluded.blocked, valid_signatures=excluded.valid_signatures`,
		clientID, userID, usage, key.PublicKey, key.DirectVerified, key.Blocked, key.ValidSignatures)
	return err
}

func (s *SQLite) GetUserDeviceKeys(ctx context.Context, clientID int64, userID id.UserID) (*DeviceKeysListRow, error) {
	out := &DeviceKeysListRow{
		UserID:           userID,
		Devices:          map[id.DeviceID]DeviceKeyRow{},
		CrossSigningKeys: map[string]CrossSigningKeyRow{},
	}
	row := s.q(ctx).QueryRowContext(ctx, `SELECT outdated FROM device_key_tracking WHERE client_id=? AND user_id=?`, clientID, userID)
	if err := row.Scan(&out.Outdated); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get device key tracking row: %w", err)
	}

	deviceRows, err := s.q(ctx).QueryContext(ctx,
		`SELECT device_id, ed25519_key, curve25519_key, direct_verified, blocked, valid_signatures FROM device_key WHERE client_id=? AND user_id=?`,
		clientID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device keys: %w", err)
	}
	defer deviceRows.Close()
	for deviceRows.Next() {
		var dk DeviceKeyRow
		if err := deviceRows.Scan(&dk.DeviceID, &dk.Ed25519Key, &dk.Curve25519Key, &dk.DirectVerified, &dk.Blocked, &dk.ValidSignatures); err != nil {
			return nil, fmt.Errorf("failed to scan device key row: %w", err)
		}
		out.Devices[dk.DeviceID] = dk
	}
	if err := deviceRows.Err(); err != nil {
		return nil, err
	}

	csRows, err := s.q(ctx).QueryContext(ctx,
		`SELECT usage, public_key, direct_verified, blocked, valid_signatures FROM cross_signing_key WHERE client_id=? AND user_id=?`,
		clientID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cross-signing keys: %w", err)
	}
	defer csRows.Close()
	for csRows.Next() {
		var usage string
		var key CrossSigningKeyRow
		if err := csRows.Scan(&usage, &key.PublicKey, &key.DirectVerified, &key.Blocked, &key.ValidSignatures); err != nil {
			return nil, fmt.Errorf("failed to scan cross-signing key row: %w", err)
		}
		out.CrossSigningKeys[usage] = key
	}
	return out, csRows.Err()
}

func (s *SQLite) GetUser(ctx context.Context, clientID int64, userID id.UserID, roomID id.RoomID) (*UserRow, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT content FROM event WHERE client_id=? AND room_id=? AND type='m.room.member' AND state_key=? ORDER BY sort_order DESC LIMIT 1`,
		clientID, roomID, userID)
	var content string
	err := row.Scan(&content)
	if err == sql.ErrNoRows {
		return &UserRow{UserID: userID}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	var parsed struct {
		Displayname string `json:"displayname"`
		AvatarURL   string `json:"avatar_url"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode member content: %w", err)
	}
	avatar := id.ParseOrEmpty(parsed.AvatarURL)
	return &UserRow{UserID: userID, DisplayName: parsed.Displayname, AvatarURL: avatar}, nil
}

func (s *SQLite) Clear(ctx context.Context, clientID int64) error {
	return s.Transaction(ctx, func(ctx context.Context) error {
		for _, table := range []string{"account_data", "room", "event", "device_key", "cross_signing_key", "device_key_tracking"} {
			if _, err := s.q(ctx).ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE client_id=?`, table), clientID); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM client WHERE id=?`, clientID)
		return err
	})
}

func (s *SQLite) ClearCache(ctx context.Context, clientID int64) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`DELETE FROM event WHERE client_id=? AND type NOT IN (`+stateKeepTypes+`)`, clientID)
	return err
}

// stateKeepTypes is the set of event types ClearCache preserves: core room
// state needed to resume without a full re-sync.
const stateKeepTypes = `'m.room.create', 'm.room.member', 'm.room.power_levels', 'm.room.name', 'm.room.topic', 'm.room.canonical_alias'`
