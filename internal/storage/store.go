package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/saurav-co-de/chart/internal/chaterr"
	"github.com/saurav-co-de/chart/internal/geo"
	"github.com/saurav-co-de/chart/internal/session"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
	// NearbyLimit caps how many users ListNearby returns.
	NearbyLimit = 50
)

// Store wraps the SQLite handle that keeps user profiles and their last
// reported location.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// User represents a row in the users table. Location is nil until the user
// reports one.
type User struct {
	ID        string
	Username  string
	Location  *geo.Location
	Online    bool
	LastSeen  time.Time
	CreatedAt time.Time
}

// Nearby is a user found around a location.
type Nearby struct {
	User
	DistanceMeters float64
}

// ErrUserExists is returned when another user already holds the username.
var ErrUserExists = errors.New("user already exists")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "geochat.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) (err error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			latitude REAL,
			longitude REAL,
			is_online INTEGER NOT NULL DEFAULT 0,
			last_seen DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS users_location ON users(latitude, longitude);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertUser creates the user or renames an existing one. Identity rows are
// owned by the external issuer; this is how they reach the chat server.
func (s *Store) UpsertUser(ctx context.Context, id, username string) error {
	if id == "" || username == "" {
		return fmt.Errorf("upsert user: id and username are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users(id, username, created_at) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username
	`, id, username, s.now().UTC())
	if err != nil {
		if isConstraintError(err) {
			return ErrUserExists
		}
		return err
	}
	return nil
}

// GetUser fetches a user by id. A missing user is nil, nil.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, latitude, longitude, is_online, last_seen, created_at
		FROM users WHERE id = ?
	`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// UpdateLocation validates and stores the user's current coordinates.
func (s *Store) UpdateLocation(ctx context.Context, id string, loc geo.Location) error {
	if err := geo.ValidateCoordinate(loc.Latitude, loc.Longitude); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET latitude = ?, longitude = ?, last_seen = ? WHERE id = ?
	`, loc.Latitude, loc.Longitude, s.now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// SetOnline flips the online flag and stamps last_seen.
func (s *Store) SetOnline(ctx context.Context, id string, online bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?`, online, s.now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// ListNearby returns users with a known location within radius meters of
// center, closest first, excluding excludeID. At most NearbyLimit rows.
func (s *Store) ListNearby(ctx context.Context, center geo.Location, radius float64, excludeID string) ([]Nearby, error) {
	box := geo.BoundingBox(center, radius)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, latitude, longitude, is_online, last_seen, created_at
		FROM users
		WHERE id <> ?
			AND latitude BETWEEN ? AND ?
			AND longitude BETWEEN ? AND ?
	`, excludeID, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []Nearby
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		if user.Location == nil {
			continue
		}
		distance := geo.DistanceMeters(center, *user.Location)
		if distance > radius {
			continue
		}
		found = append(found, Nearby{User: *user, DistanceMeters: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(found, func(i, j int) bool { return found[i].DistanceMeters < found[j].DistanceMeters })
	if len(found) > NearbyLimit {
		found = found[:NearbyLimit]
	}
	return found, nil
}

// Principal implements session.Directory on top of the users table.
func (s *Store) Principal(ctx context.Context, userID string) (session.Identity, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return session.Identity{}, err
	}
	if user == nil {
		return session.Identity{}, fmt.Errorf("%w: unknown user %s", chaterr.ErrAuthenticationFailed, userID)
	}
	return session.Identity{UserID: user.ID, Username: user.Username}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*User, error) {
	var (
		user     User
		lat, lng sql.NullFloat64
		lastSeen sql.NullTime
	)
	if err := row.Scan(&user.ID, &user.Username, &lat, &lng, &user.Online, &lastSeen, &user.CreatedAt); err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		user.Location = &geo.Location{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	if lastSeen.Valid {
		user.LastSeen = lastSeen.Time
	}
	return &user, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: unknown user %s", chaterr.ErrAuthenticationFailed, id)
	}
	return nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// extended codes keep the primary code in the low byte
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
