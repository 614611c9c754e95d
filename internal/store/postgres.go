package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/model"
)

type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects a pgx pool, verifies the connection and runs the
// in-code migrations.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return p, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS teams (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			phone_number_id VARCHAR(64) UNIQUE NOT NULL,
			access_token TEXT NOT NULL,
			business_account_id VARCHAR(64) NOT NULL DEFAULT '',
			app_secret TEXT NOT NULL DEFAULT '',
			api_version VARCHAR(16) NOT NULL DEFAULT 'v18.0',
			default_country_code VARCHAR(8) NOT NULL DEFAULT '62',
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS drivers (
			id BIGSERIAL PRIMARY KEY,
			team_id BIGINT NOT NULL REFERENCES teams(id),
			phone VARCHAR(32) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (team_id, phone)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id BIGSERIAL PRIMARY KEY,
			team_id BIGINT NOT NULL REFERENCES teams(id),
			driver_id BIGINT REFERENCES drivers(id),
			group_jid VARCHAR(64),
			last_message_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_inbound_at TIMESTAMPTZ,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_team_driver
			ON conversations (team_id, driver_id) WHERE driver_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_team_group
			ON conversations (team_id, group_jid) WHERE group_jid IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			team_id BIGINT NOT NULL REFERENCES teams(id),
			direction VARCHAR(16) NOT NULL,
			type VARCHAR(16) NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			wa_message_id VARCHAR(128) UNIQUE,
			media_url TEXT,
			media_mime VARCHAR(128),
			media_size BIGINT,
			file_name VARCHAR(255),
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			template_name VARCHAR(255),
			template_lang VARCHAR(16),
			template_params JSONB,
			reply_to_id BIGINT REFERENCES messages(id),
			retry_count INT NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMPTZ,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			sent_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS messages_retry_scan
			ON messages (status, next_retry_at) WHERE status = 'queued'`,
		`CREATE INDEX IF NOT EXISTS messages_conversation
			ON messages (conversation_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const teamColumns = `id, name, phone_number_id, access_token, business_account_id,
	app_secret, api_version, default_country_code, active`

func scanTeam(row pgx.Row) (*model.Team, error) {
	var t model.Team
	err := row.Scan(&t.ID, &t.Name, &t.PhoneNumberID, &t.AccessToken,
		&t.BusinessAccountID, &t.AppSecret, &t.APIVersion, &t.DefaultCountryCode, &t.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) TeamByID(ctx context.Context, id int64) (*model.Team, error) {
	return scanTeam(p.pool.QueryRow(ctx, `
		SELECT `+teamColumns+`
		FROM teams
		WHERE id = $1 AND active
	`, id))
}

func (p *Postgres) TeamByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.Team, error) {
	return scanTeam(p.pool.QueryRow(ctx, `
		SELECT `+teamColumns+`
		FROM teams
		WHERE phone_number_id = $1 AND active
	`, phoneNumberID))
}

func (p *Postgres) ActiveTeams(ctx context.Context) ([]model.Team, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+teamColumns+`
		FROM teams
		WHERE active
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []model.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, *t)
	}
	return teams, rows.Err()
}

func scanDriver(row pgx.Row) (*model.Driver, error) {
	var d model.Driver
	err := row.Scan(&d.ID, &d.TeamID, &d.Phone, &d.Name, &d.Active, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *Postgres) DriverByID(ctx context.Context, id int64) (*model.Driver, error) {
	return scanDriver(p.pool.QueryRow(ctx, `
		SELECT id, team_id, phone, name, active, created_at
		FROM drivers
		WHERE id = $1
	`, id))
}

func (p *Postgres) DriverByPhone(ctx context.Context, teamID int64, phone string) (*model.Driver, error) {
	return scanDriver(p.pool.QueryRow(ctx, `
		SELECT id, team_id, phone, name, active, created_at
		FROM drivers
		WHERE team_id = $1 AND phone = $2
	`, teamID, phone))
}

func (p *Postgres) EnsureDriver(ctx context.Context, teamID int64, phone, name string) (*model.Driver, error) {
	// Upsert keeps concurrent webhook handlers from racing on first contact.
	// An empty name never overwrites one we already have.
	return scanDriver(p.pool.QueryRow(ctx, `
		INSERT INTO drivers (team_id, phone, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id, phone)
		DO UPDATE SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE drivers.name END
		RETURNING id, team_id, phone, name, active, created_at
	`, teamID, phone, name))
}

const conversationColumns = `id, team_id, driver_id, group_jid, last_message_at, last_inbound_at, active`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.TeamID, &c.DriverID, &c.GroupJID,
		&c.LastMessageAt, &c.LastInboundAt, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) ConversationByID(ctx context.Context, id int64) (*model.Conversation, error) {
	return scanConversation(p.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1
	`, id))
}

func (p *Postgres) EnsureDriverConversation(ctx context.Context, teamID, driverID int64) (*model.Conversation, error) {
	return scanConversation(p.pool.QueryRow(ctx, `
		INSERT INTO conversations (team_id, driver_id)
		VALUES ($1, $2)
		ON CONFLICT (team_id, driver_id) WHERE driver_id IS NOT NULL
		DO UPDATE SET active = TRUE
		RETURNING `+conversationColumns+`
	`, teamID, driverID))
}

func (p *Postgres) EnsureGroupConversation(ctx context.Context, teamID int64, groupJID string) (*model.Conversation, error) {
	return scanConversation(p.pool.QueryRow(ctx, `
		INSERT INTO conversations (team_id, group_jid)
		VALUES ($1, $2)
		ON CONFLICT (team_id, group_jid) WHERE group_jid IS NOT NULL
		DO UPDATE SET active = TRUE
		RETURNING `+conversationColumns+`
	`, teamID, groupJID))
}

func (p *Postgres) RecordInbound(ctx context.Context, conversationID int64, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE conversations
		SET last_inbound_at = GREATEST(COALESCE(last_inbound_at, $2), $2),
		    last_message_at = GREATEST(last_message_at, $2)
		WHERE id = $1
	`, conversationID, at)
	return err
}

func (p *Postgres) TouchLastMessage(ctx context.Context, conversationID int64, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE conversations
		SET last_message_at = GREATEST(last_message_at, $2)
		WHERE id = $1
	`, conversationID, at)
	return err
}

const messageColumns = `id, conversation_id, team_id, direction, type, content, status,
	wa_message_id, media_url, media_mime, media_size, file_name,
	latitude, longitude, template_name, template_lang, template_params, reply_to_id,
	retry_count, next_retry_at, last_error, created_at, updated_at, sent_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	var params []byte
	err := row.Scan(&m.ID, &m.ConversationID, &m.TeamID, &m.Direction, &m.Type,
		&m.Content, &m.Status, &m.WaMessageID, &m.MediaURL, &m.MediaMime,
		&m.MediaSize, &m.FileName, &m.Latitude, &m.Longitude, &m.TemplateName,
		&m.TemplateLang, &params, &m.ReplyToID, &m.RetryCount, &m.NextRetryAt, &m.LastError,
		&m.CreatedAt, &m.UpdatedAt, &m.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &m.TemplateParams); err != nil {
			return nil, fmt.Errorf("decode template params for message %d: %w", m.ID, err)
		}
	}
	return &m, nil
}

func (p *Postgres) CreateMessage(ctx context.Context, m *model.Message) error {
	var params any
	if len(m.TemplateParams) > 0 {
		b, err := json.Marshal(m.TemplateParams)
		if err != nil {
			return fmt.Errorf("encode template params: %w", err)
		}
		params = b
	}

	err := p.pool.QueryRow(ctx, `
		INSERT INTO messages (
			conversation_id, team_id, direction, type, content, status,
			wa_message_id, media_url, media_mime, media_size, file_name,
			latitude, longitude, template_name, template_lang, template_params, reply_to_id
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING id, created_at, updated_at
	`, m.ConversationID, m.TeamID, m.Direction, m.Type, m.Content, m.Status,
		m.WaMessageID, m.MediaURL, m.MediaMime, m.MediaSize, m.FileName,
		m.Latitude, m.Longitude, m.TemplateName, m.TemplateLang, params, m.ReplyToID,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateMessage
	}
	return err
}

func (p *Postgres) MessageByID(ctx context.Context, id int64) (*model.Message, error) {
	return scanMessage(p.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1
	`, id))
}

func (p *Postgres) MessageByWaID(ctx context.Context, waMessageID string) (*model.Message, error) {
	return scanMessage(p.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE wa_message_id = $1
	`, waMessageID))
}

func (p *Postgres) Claim(ctx context.Context, id int64) (bool, error) {
	ct, err := p.pool.Exec(ctx, `
		UPDATE messages
		SET status = 'sending', updated_at = now()
		WHERE id = $1 AND status = 'queued'
	`, id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (p *Postgres) MarkSent(ctx context.Context, id int64, waMessageID string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE messages
		SET status = 'sent',
		    wa_message_id = $2,
		    sent_at = $3,
		    last_error = NULL,
		    updated_at = now()
		WHERE id = $1
	`, id, waMessageID, at)
	return err
}

func (p *Postgres) ScheduleRetry(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, reason string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE messages
		SET status = 'queued',
		    retry_count = $2,
		    next_retry_at = $3,
		    last_error = $4,
		    updated_at = now()
		WHERE id = $1
	`, id, retryCount, nextRetryAt, reason)
	return err
}

func (p *Postgres) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE messages
		SET status = 'failed',
		    retry_count = retry_count + 1,
		    next_retry_at = NULL,
		    last_error = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, reason)
	return err
}

func (p *Postgres) UpdateStatusByWaID(ctx context.Context, waMessageID string, status model.Status, at time.Time) error {
	// The rank guard keeps the lifecycle one-directional: a redelivered or
	// out-of-order event that would regress the status matches no row.
	ct, err := p.pool.Exec(ctx, `
		UPDATE messages
		SET status = $2, updated_at = $3
		WHERE wa_message_id = $1
		  AND CASE status
		        WHEN 'sent' THEN 1
		        WHEN 'delivered' THEN 2
		        WHEN 'read' THEN 3
		        WHEN 'failed' THEN 4
		        ELSE 0
		      END < $4
	`, waMessageID, status, at, statusRank(status))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	// Zero rows is either an unknown id or a stale event; only the former
	// is an error.
	var exists bool
	if err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM messages WHERE wa_message_id = $1)
	`, waMessageID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DueRetries(ctx context.Context, now time.Time, maxRetries, limit int) ([]model.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'queued'
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		  AND retry_count <= $2
		ORDER BY next_retry_at ASC NULLS FIRST
		LIMIT $3
	`, now, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (p *Postgres) ReleaseStale(ctx context.Context, before time.Time) (int, error) {
	ct, err := p.pool.Exec(ctx, `
		UPDATE messages
		SET status = 'queued', updated_at = now()
		WHERE status = 'sending' AND updated_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}
