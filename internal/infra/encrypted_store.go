package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	storeDBName = "applock.db"
)

// EncryptedStore persists monitors, launch notifications, security alerts,
// the attempt audit log, unlock requests, secrets and daemon state in a
// SQLCipher database.
type EncryptedStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedStore opens (or creates) the encrypted database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStore(dataDir string, key []byte) (*EncryptedStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=5000", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// Fails here when the key is wrong
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &EncryptedStore{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *EncryptedStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS daemon_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pid INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		app_version TEXT DEFAULT '',
		mode TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS monitors (
		display_name TEXT PRIMARY KEY COLLATE NOCASE,
		executable_name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		app_name TEXT NOT NULL COLLATE NOCASE,
		executable_name TEXT NOT NULL,
		handled INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS security_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		app_name TEXT NOT NULL,
		executable_name TEXT NOT NULL,
		pid INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		subject TEXT DEFAULT '',
		hostname TEXT DEFAULT '',
		platform TEXT DEFAULT '',
		raised_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS login_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		app_name TEXT NOT NULL,
		subject TEXT DEFAULT '',
		pid INTEGER NOT NULL,
		outcome INTEGER NOT NULL,
		attempted_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS unlock_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		app_name TEXT NOT NULL,
		subject TEXT DEFAULT '',
		secret TEXT DEFAULT '',
		requested_at INTEGER NOT NULL,
		done INTEGER NOT NULL DEFAULT 0,
		outcome INTEGER NOT NULL DEFAULT 0,
		pid INTEGER NOT NULL DEFAULT 0,
		remaining INTEGER NOT NULL DEFAULT 0,
		error TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS secrets (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *EncryptedStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *EncryptedStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- domain.MonitorStore implementation ---

// SaveMonitor persists a monitored app. Display names are unique (case-insensitive).
func (s *EncryptedStore) SaveMonitor(app domain.MonitoredApp) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRow(`SELECT COUNT(*) FROM monitors WHERE display_name = ?`, app.DisplayName).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", domain.ErrMonitorExists, app.DisplayName)
	}

	_, err = tx.Exec(`INSERT INTO monitors (display_name, executable_name, created_at) VALUES (?, ?, ?)`,
		app.DisplayName, domain.NormalizeExecutable(app.ExecutableName), time.Now().UnixNano())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteMonitor removes a monitored app by display name (case-insensitive).
func (s *EncryptedStore) DeleteMonitor(displayName string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM monitors WHERE display_name = ?`, strings.TrimSpace(displayName))
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ListMonitors returns monitored apps in the order they were added.
func (s *EncryptedStore) ListMonitors() ([]domain.MonitoredApp, error) {
	rows, err := s.db.Query(`SELECT display_name, executable_name FROM monitors ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []domain.MonitoredApp
	for rows.Next() {
		var app domain.MonitoredApp
		if err := rows.Scan(&app.DisplayName, &app.ExecutableName); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// --- domain.LaunchNotifier / domain.NotificationStore implementation ---

// NotifyLaunchDetected records a launch notification unless one is already
// unhandled for the app.
func (s *EncryptedStore) NotifyLaunchDetected(ctx context.Context, appName, executableName string) error {
	// app_name is COLLATE NOCASE, so this dedups case-insensitively like the engine.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (app_name, executable_name, handled, created_at)
		SELECT ?, ?, 0, ?
		WHERE NOT EXISTS (SELECT 1 FROM notifications WHERE app_name = ? AND handled = 0)`,
		appName, executableName, time.Now().Unix(), appName,
	)
	return err
}

// PendingNotifications returns unhandled notifications, oldest first.
func (s *EncryptedStore) PendingNotifications() ([]domain.LaunchNotification, error) {
	rows, err := s.db.Query(`
		SELECT id, app_name, executable_name, handled, created_at
		FROM notifications WHERE handled = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LaunchNotification
	for rows.Next() {
		var n domain.LaunchNotification
		var created int64
		if err := rows.Scan(&n.ID, &n.AppName, &n.ExecutableName, &n.Handled, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = time.Unix(created, 0)
		out = append(out, n)
	}
	return out, rows.Err()
}

// AcknowledgeNotifications marks the app's pending notifications handled.
// An empty app name acknowledges all of them.
func (s *EncryptedStore) AcknowledgeNotifications(appName string) (int, error) {
	var (
		result sql.Result
		err    error
	)
	if strings.TrimSpace(appName) == "" {
		result, err = s.db.Exec(`UPDATE notifications SET handled = 1 WHERE handled = 0`)
	} else {
		// Case-insensitive through the column collation.
		result, err = s.db.Exec(`UPDATE notifications SET handled = 1 WHERE handled = 0 AND app_name = ?`,
			strings.TrimSpace(appName))
	}
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// --- domain.AlertRaiser implementation ---

// RaiseSecurityAlert records the alert.
func (s *EncryptedStore) RaiseSecurityAlert(ctx context.Context, alert domain.SecurityAlert) error {
	raised := alert.RaisedAt
	if raised.IsZero() {
		raised = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_alerts (app_name, executable_name, pid, attempts, subject, hostname, platform, raised_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.AppName, alert.ExecutableName, alert.PID, alert.Attempts,
		alert.Subject, alert.Hostname, alert.Platform, raised.Unix(),
	)
	return err
}

// ListAlerts returns the most recent alerts, newest first.
func (s *EncryptedStore) ListAlerts(limit int) ([]domain.SecurityAlert, error) {
	rows, err := s.db.Query(`
		SELECT id, app_name, executable_name, pid, attempts, subject, hostname, platform, raised_at
		FROM security_alerts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SecurityAlert
	for rows.Next() {
		var a domain.SecurityAlert
		var raised int64
		if err := rows.Scan(&a.ID, &a.AppName, &a.ExecutableName, &a.PID, &a.Attempts,
			&a.Subject, &a.Hostname, &a.Platform, &raised); err != nil {
			return nil, err
		}
		a.RaisedAt = time.Unix(raised, 0)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- domain.AttemptLog implementation ---

// RecordAttempt appends a credential attempt to the audit log.
func (s *EncryptedStore) RecordAttempt(ctx context.Context, rec domain.AttemptRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO login_attempts (app_name, subject, pid, outcome, attempted_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.AppName, rec.Subject, rec.PID, int(rec.Outcome), at.Unix(),
	)
	return err
}

// ListAttempts returns the most recent attempts, newest first.
func (s *EncryptedStore) ListAttempts(limit int) ([]domain.AttemptRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, app_name, subject, pid, outcome, attempted_at
		FROM login_attempts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AttemptRecord
	for rows.Next() {
		var r domain.AttemptRecord
		var outcome int
		var at int64
		if err := rows.Scan(&r.ID, &r.AppName, &r.Subject, &r.PID, &outcome, &at); err != nil {
			return nil, err
		}
		r.Outcome = domain.OutcomeKind(outcome)
		r.At = time.Unix(at, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- domain.UnlockRequestStore implementation ---

// SubmitUnlockRequest queues a credential attempt and returns its id.
func (s *EncryptedStore) SubmitUnlockRequest(req domain.UnlockRequest) (int64, error) {
	requested := req.RequestedAt
	if requested.IsZero() {
		requested = time.Now()
	}
	result, err := s.db.Exec(`
		INSERT INTO unlock_requests (app_name, subject, secret, requested_at)
		VALUES (?, ?, ?, ?)`,
		strings.TrimSpace(req.AppName), req.Credential.Subject, req.Credential.Secret, requested.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// PendingUnlockRequests returns requests not yet completed, oldest first.
func (s *EncryptedStore) PendingUnlockRequests() ([]domain.UnlockRequest, error) {
	rows, err := s.db.Query(`
		SELECT id, app_name, subject, secret, requested_at, done, outcome, pid, remaining, error
		FROM unlock_requests WHERE done = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.UnlockRequest
	for rows.Next() {
		req, err := scanUnlockRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// CompleteUnlockRequest stores the outcome and wipes the secret.
func (s *EncryptedStore) CompleteUnlockRequest(id int64, outcome domain.Outcome) error {
	errText := ""
	if outcome.Err != nil {
		errText = outcome.Err.Error()
	}
	result, err := s.db.Exec(`
		UPDATE unlock_requests
		SET done = 1, secret = '', outcome = ?, pid = ?, remaining = ?, error = ?
		WHERE id = ? AND done = 0`,
		int(outcome.Kind), outcome.PID, outcome.Remaining, errText, id,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %d", domain.ErrUnlockRequestNotFound, id)
	}
	return nil
}

// GetUnlockRequest returns one request.
func (s *EncryptedStore) GetUnlockRequest(id int64) (*domain.UnlockRequest, error) {
	row := s.db.QueryRow(`
		SELECT id, app_name, subject, secret, requested_at, done, outcome, pid, remaining, error
		FROM unlock_requests WHERE id = ?`, id)
	req, err := scanUnlockRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnlockRequestNotFound, id)
	}
	return req, err
}

// DeleteUnlockRequest removes a request whether or not it was completed.
func (s *EncryptedStore) DeleteUnlockRequest(id int64) error {
	_, err := s.db.Exec(`DELETE FROM unlock_requests WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnlockRequest(row rowScanner) (*domain.UnlockRequest, error) {
	var (
		req       domain.UnlockRequest
		requested int64
		outcome   int
		errText   string
	)
	if err := row.Scan(&req.ID, &req.AppName, &req.Credential.Subject, &req.Credential.Secret,
		&requested, &req.Done, &outcome, &req.Outcome.PID, &req.Outcome.Remaining, &errText); err != nil {
		return nil, err
	}
	req.RequestedAt = time.Unix(0, requested)
	req.Outcome.Kind = domain.OutcomeKind(outcome)
	if errText != "" {
		req.Outcome.Err = errors.New(errText)
	}
	return &req, nil
}

// --- domain.DaemonRegistry implementation ---

// Register records the running daemon, replacing any previous registration.
func (s *EncryptedStore) Register(state domain.DaemonState) error {
	now := time.Now().Unix()
	started := state.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	mode := state.Mode
	if mode == "" {
		mode = string(DetectExecMode().Mode)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO daemon_state (id, pid, started_at, last_heartbeat, app_version, mode)
		VALUES (1, ?, ?, ?, ?, ?)`,
		state.PID, started.Unix(), now, state.AppVersion, mode,
	)
	return err
}

// UpdateHeartbeat updates timestamp for liveness check.
func (s *EncryptedStore) UpdateHeartbeat() error {
	result, err := s.db.Exec(`UPDATE daemon_state SET last_heartbeat = ? WHERE id = 1`, time.Now().Unix())
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("daemon not registered")
	}
	return nil
}

// Get returns the registered daemon, or nil if none.
func (s *EncryptedStore) Get() (*domain.DaemonState, error) {
	var st domain.DaemonState
	var started, heartbeat int64
	err := s.db.QueryRow(`
		SELECT pid, started_at, last_heartbeat, app_version, mode FROM daemon_state WHERE id = 1`).
		Scan(&st.PID, &started, &heartbeat, &st.AppVersion, &st.Mode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.StartedAt = time.Unix(started, 0)
	st.LastHeartbeat = time.Unix(heartbeat, 0)
	return &st, nil
}

// Clear removes the daemon registration.
func (s *EncryptedStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM daemon_state`)
	return err
}

// --- domain.SecretStore implementation ---

// GetSecret retrieves a secret by key.
func (s *EncryptedStore) GetSecret(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %q", domain.ErrSecretNotFound, key)
	}
	return value, err
}

// SetSecret stores a secret.
func (s *EncryptedStore) SetSecret(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO secrets (key, value, created_at) VALUES (?, ?, ?)`,
		key, value, time.Now().Unix())
	return err
}

// Ensure EncryptedStore implements the storage interfaces.
var (
	_ domain.MonitorStore       = (*EncryptedStore)(nil)
	_ domain.NotificationStore  = (*EncryptedStore)(nil)
	_ domain.LaunchNotifier     = (*EncryptedStore)(nil)
	_ domain.AlertRaiser        = (*EncryptedStore)(nil)
	_ domain.AttemptLog         = (*EncryptedStore)(nil)
	_ domain.DaemonRegistry     = (*EncryptedStore)(nil)
	_ domain.UnlockRequestStore = (*EncryptedStore)(nil)
	_ domain.SecretStore        = (*EncryptedStore)(nil)
)
