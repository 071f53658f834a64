package directory

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Postgres reads the directory tables owned by the surrounding platform.
// It does NOT own the pool.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

// Option configures Postgres behavior.
type Option func(*Postgres) error

// WithSchema sets the DB schema holding the directory tables (default: "studyhub").
func WithSchema(schema string) Option {
	return func(p *Postgres) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("directory: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("directory: invalid schema identifier")
		}
		p.schema = schema
		return nil
	}
}

// NewPostgres constructs a Postgres-backed directory.
func NewPostgres(pool *pgxpool.Pool, opts ...Option) (*Postgres, error) {
	p := &Postgres{pool: pool, schema: "studyhub"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.pool == nil {
		return nil, errors.New("directory: nil pool")
	}
	return p, nil
}

// EnsureSchema creates the directory tables when missing. Production
// deployments share these tables with the rest of the platform; this exists
// for development and integration tests.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	sql := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{p.schema}.Sanitize())
	_, err := p.pool.Exec(ctx, sql)
	return err
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (User, error) {
	var u User
	err := p.pool.QueryRow(ctx,
		`SELECT id, display_name, avatar_url FROM `+pgIdent(p.schema, "users")+` WHERE id = $1`,
		clean(userID),
	).Scan(&u.ID, &u.DisplayName, &u.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (p *Postgres) UserExists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+pgIdent(p.schema, "users")+` WHERE id = $1)`,
		clean(userID),
	).Scan(&ok)
	return ok, err
}

func (p *Postgres) IsApprovedMember(ctx context.Context, groupID, userID string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM `+pgIdent(p.schema, "group_members")+`
		    WHERE group_id = $1 AND user_id = $2 AND status = 'APPROVED')`,
		clean(groupID), clean(userID),
	).Scan(&ok)
	return ok, err
}

func (p *Postgres) GroupLeader(ctx context.Context, groupID string) (string, error) {
	var leader string
	err := p.pool.QueryRow(ctx,
		`SELECT user_id FROM `+pgIdent(p.schema, "group_members")+`
		  WHERE group_id = $1 AND role = 'LEADER' AND status = 'APPROVED'
		  ORDER BY user_id
		  LIMIT 1`,
		clean(groupID),
	).Scan(&leader)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return leader, err
}

// PutUser upserts a user row. Used by seeding tools and tests.
func (p *Postgres) PutUser(ctx context.Context, u User) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(p.schema, "users")+` (id, display_name, avatar_url)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url`,
		u.ID, u.DisplayName, u.AvatarURL,
	)
	return err
}

// PutMember upserts a group membership row. Used by seeding tools and tests.
func (p *Postgres) PutMember(ctx context.Context, groupID, userID string, role Role, status MemberStatus) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(p.schema, "group_members")+` (group_id, user_id, role, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (group_id, user_id) DO UPDATE SET role = EXCLUDED.role, status = EXCLUDED.status`,
		groupID, userID, string(role), string(status),
	)
	return err
}
