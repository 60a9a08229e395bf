package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/npezzotti/maproom/internal/roomcode"
)

const sessionColumns = "id, code, resource_id, owner_id, created_at"

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		sess      Session
		createdAt timestamp
	)
	err := row.Scan(
		&sess.Id,
		&sess.Code,
		&sess.ResourceId,
		&sess.OwnerId,
		&createdAt,
	)
	sess.CreatedAt = createdAt.Time
	return sess, err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// CreateSession reserves a fresh room code for resourceId. Candidates that
// collide with a live session, either on the pre-check or on the unique
// constraint, are regenerated.
func (s *SQLStore) CreateSession(ctx context.Context, resourceId, ownerId int) (Session, error) {
	return roomcode.Reserve(s.codes, func(code string) (Session, error) {
		exists, err := s.ExistsByCode(ctx, code)
		if err != nil {
			return Session{}, err
		}
		if exists {
			return Session{}, roomcode.ErrCollision
		}

		sess := Session{
			Code:       code,
			ResourceId: resourceId,
			OwnerId:    ownerId,
			CreatedAt:  time.Now().UTC(),
		}

		err = s.conn.QueryRowContext(ctx,
			s.rebind("INSERT INTO sessions (code, resource_id, owner_id, created_at) "+
				"VALUES (?, ?, ?, ?) RETURNING id"),
			sess.Code,
			sess.ResourceId,
			sess.OwnerId,
			sess.CreatedAt,
		).Scan(&sess.Id)
		if isUniqueViolation(err) {
			return Session{}, fmt.Errorf("insert session: %w", roomcode.ErrCollision)
		}
		if err != nil {
			return Session{}, fmt.Errorf("insert session: %w", err)
		}

		return sess, nil
	})
}

func (s *SQLStore) FindByCode(ctx context.Context, code string) (Session, error) {
	row := s.conn.QueryRowContext(ctx,
		s.rebind("SELECT "+sessionColumns+" FROM sessions WHERE code = ? LIMIT 1"),
		s.codes.Normalize(code),
	)

	sess, err := scanSession(row)
	return sess, notFound(err)
}

func (s *SQLStore) FindByID(ctx context.Context, id int) (Session, error) {
	row := s.conn.QueryRowContext(ctx,
		s.rebind("SELECT "+sessionColumns+" FROM sessions WHERE id = ?"),
		id,
	)

	sess, err := scanSession(row)
	return sess, notFound(err)
}

func (s *SQLStore) ExistsByCode(ctx context.Context, code string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		s.rebind("SELECT COUNT(*) FROM sessions WHERE code = ?"),
		s.codes.Normalize(code),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count sessions: %w", err)
	}

	return n > 0, nil
}

// UpdateResource repoints a session at another map. The code is immutable.
func (s *SQLStore) UpdateResource(ctx context.Context, sessionId, resourceId int) (Session, error) {
	res, err := s.conn.ExecContext(ctx,
		s.rebind("UPDATE sessions SET resource_id = ? WHERE id = ?"),
		resourceId,
		sessionId,
	)
	if err != nil {
		return Session{}, fmt.Errorf("update session: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Session{}, ErrNotFound
	}

	return s.FindByID(ctx, sessionId)
}

func (s *SQLStore) DeleteSession(ctx context.Context, sessionId int) error {
	res, err := s.conn.ExecContext(ctx,
		s.rebind("DELETE FROM sessions WHERE id = ?"),
		sessionId,
	)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLStore) SessionsForResource(ctx context.Context, resourceId int) ([]Session, error) {
	rows, err := s.conn.QueryContext(ctx,
		s.rebind("SELECT "+sessionColumns+" FROM sessions WHERE resource_id = ? ORDER BY id"),
		resourceId,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	return sessions, rows.Err()
}

const mapColumns = "id, owner_id, name, color, models, width, height, depth, created_at, updated_at"

func scanMap(row interface{ Scan(...any) error }) (Map, error) {
	var (
		m                    Map
		models               string
		createdAt, updatedAt timestamp
	)
	err := row.Scan(
		&m.Id,
		&m.OwnerId,
		&m.Name,
		&m.Color,
		&models,
		&m.Width,
		&m.Height,
		&m.Depth,
		&createdAt,
		&updatedAt,
	)
	m.Models = json.RawMessage(models)
	m.CreatedAt = createdAt.Time
	m.UpdatedAt = updatedAt.Time
	return m, err
}

func modelsText(models json.RawMessage) string {
	if len(models) == 0 {
		return "[]"
	}
	return string(models)
}

func (s *SQLStore) CreateMap(ctx context.Context, params CreateMapParams) (Map, error) {
	now := time.Now().UTC()
	m := Map{
		OwnerId:   params.OwnerId,
		Name:      params.Name,
		Color:     params.Color,
		Models:    json.RawMessage(modelsText(params.Models)),
		Width:     params.Width,
		Height:    params.Height,
		Depth:     params.Depth,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.conn.QueryRowContext(ctx,
		s.rebind("INSERT INTO maps (owner_id, name, color, models, width, height, depth, created_at, updated_at) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id"),
		m.OwnerId,
		m.Name,
		m.Color,
		string(m.Models),
		m.Width,
		m.Height,
		m.Depth,
		m.CreatedAt,
		m.UpdatedAt,
	).Scan(&m.Id)
	if err != nil {
		return Map{}, fmt.Errorf("insert map: %w", err)
	}

	return m, nil
}

func (s *SQLStore) GetMap(ctx context.Context, id int) (Map, error) {
	row := s.conn.QueryRowContext(ctx,
		s.rebind("SELECT "+mapColumns+" FROM maps WHERE id = ?"),
		id,
	)

	m, err := scanMap(row)
	return m, notFound(err)
}

func (s *SQLStore) UpdateMap(ctx context.Context, params UpdateMapParams) (Map, error) {
	res, err := s.conn.ExecContext(ctx,
		s.rebind("UPDATE maps SET name = ?, color = ?, models = ?, width = ?, height = ?, depth = ?, updated_at = ? "+
			"WHERE id = ?"),
		params.Name,
		params.Color,
		modelsText(params.Models),
		params.Width,
		params.Height,
		params.Depth,
		time.Now().UTC(),
		params.MapId,
	)
	if err != nil {
		return Map{}, fmt.Errorf("update map: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Map{}, ErrNotFound
	}

	return s.GetMap(ctx, params.MapId)
}
