package realtime

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends and membership deletes lock the room row, so seq allocation and
//     empty-room reclamation are serialized per room across instances.
//   - Status changes are conditional updates (WHERE status = from).
//   - Direct-room creation takes a transactional advisory lock on the pair.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "studyhub").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "studyhub",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the realtime tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	sql := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("realtime: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) t(table string) string { return pgIdent(s.schema, table) }

const roomColumns = `r.id, r.kind, r.name, r.group_id, r.created_by, r.created_at, r.last_seq, r.last_content, r.last_message_at`

func scanRoom(row pgx.Row, extra ...any) (Room, error) {
	var (
		r       Room
		kind    string
		content *string
		lastAt  *time.Time
	)
	dst := append([]any{&r.ID, &kind, &r.Name, &r.GroupID, &r.CreatedBy, &r.CreatedAt, &r.LastSeq, &content, &lastAt}, extra...)
	if err := row.Scan(dst...); err != nil {
		return Room{}, err
	}
	r.Kind = RoomKind(kind)
	r.CreatedAt = r.CreatedAt.UTC()
	if content != nil && lastAt != nil {
		r.LastMessage = &MessagePreview{Content: *content, At: lastAt.UTC()}
	}
	return r, nil
}

func (s *PostgresStore) begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}

// lockRoom takes the row lock of roomID for the rest of tx.
func (s *PostgresStore) lockRoom(ctx context.Context, tx pgx.Tx, op, roomID string) (RoomKind, error) {
	var kind string
	err := tx.QueryRow(ctx, `SELECT kind FROM `+s.t("rooms")+` WHERE id = $1 FOR UPDATE`, roomID).Scan(&kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", opErr(op, ErrNotFound, "room not found")
	}
	return RoomKind(kind), err
}

func (s *PostgresStore) roomExists(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, roomID string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+s.t("rooms")+` WHERE id = $1)`, roomID).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room Room, members []Membership) error {
	const op = "realtime.PostgresStore.CreateRoom"
	if room.ID == "" {
		return opErr(op, ErrInvalidArgument, "missing room id")
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("rooms")+` (id, kind, name, group_id, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		room.ID, string(room.Kind), room.Name, room.GroupID, room.CreatedBy, room.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return opErr(op, ErrConflict, "room exists")
		}
		return fmt.Errorf("insert room: %w", err)
	}

	batch := &pgx.Batch{}
	for _, m := range members {
		batch.Queue(
			`INSERT INTO `+s.t("room_members")+` (room_id, user_id, status, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (room_id, user_id) DO NOTHING`,
			room.ID, m.UserID, string(m.Status), m.UpdatedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert members: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM `+s.t("rooms")+` r WHERE r.id = $1`, roomID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, opErr("realtime.PostgresStore.GetRoom", ErrNotFound, "room not found")
	}
	return r, err
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, roomID string) error {
	const op = "realtime.PostgresStore.DeleteRoom"

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	kind, err := s.lockRoom(ctx, tx, op, roomID)
	if err != nil {
		return err
	}
	if kind == RoomKindDirect {
		return opErr(op, ErrInvalidArgument, "direct rooms are permanent")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+s.t("rooms")+` WHERE id = $1`, roomID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListRoomsForUser(ctx context.Context, userID string) ([]RoomSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roomColumns+`, m.status, m.last_read_seq,
		        COALESCE(CASE WHEN d.user_low = $1 THEN d.user_high ELSE d.user_low END, '')
		   FROM `+s.t("room_members")+` m
		   JOIN `+s.t("rooms")+` r ON r.id = m.room_id
		   LEFT JOIN `+s.t("direct_rooms")+` d ON d.room_id = r.id
		  WHERE m.user_id = $1 AND m.status IN ('INVITED', 'JOINED')
		  ORDER BY COALESCE(r.last_message_at, r.created_at) DESC, r.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoomSummary
	for rows.Next() {
		var (
			sum      RoomSummary
			status   string
			lastRead int64
		)
		room, err := scanRoom(rows, &status, &lastRead, &sum.PartnerID)
		if err != nil {
			return nil, err
		}
		sum.Room = room
		sum.Status = MembershipStatus(status)
		if unread := room.LastSeq - lastRead; unread > 0 {
			sum.Unread = unread
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

const memberColumns = `room_id, user_id, status, last_read_seq, last_read_message_id, updated_at`

func scanMembership(row pgx.Row) (Membership, error) {
	var (
		m      Membership
		status string
	)
	if err := row.Scan(&m.RoomID, &m.UserID, &status, &m.LastReadSeq, &m.LastReadMessageID, &m.UpdatedAt); err != nil {
		return Membership{}, err
	}
	m.Status = MembershipStatus(status)
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, roomID, userID string) (Membership, error) {
	m, err := scanMembership(s.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM `+s.t("room_members")+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Membership{}, opErr("realtime.PostgresStore.GetMembership", ErrNotFound, "membership not found")
	}
	return m, err
}

func (s *PostgresStore) ListMembers(ctx context.Context, roomID string) ([]Membership, error) {
	ok, err := s.roomExists(ctx, s.pool, roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, opErr("realtime.PostgresStore.ListMembers", ErrNotFound, "room not found")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+memberColumns+` FROM `+s.t("room_members")+` WHERE room_id = $1 ORDER BY user_id`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Membership, 0, 8)
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddInvites(ctx context.Context, roomID string, userIDs []string, now time.Time) ([]string, error) {
	const op = "realtime.PostgresStore.AddInvites"

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := s.lockRoom(ctx, tx, op, roomID); err != nil {
		return nil, err
	}

	added := make([]string, 0, len(userIDs))
	for _, uid := range userIDs {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			continue
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO `+s.t("room_members")+` (room_id, user_id, status, updated_at)
			 VALUES ($1, $2, 'INVITED', $3)
			 ON CONFLICT (room_id, user_id) DO NOTHING`,
			roomID, uid, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert invite: %w", err)
		}
		if tag.RowsAffected() == 1 {
			added = append(added, uid)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return added, nil
}

func (s *PostgresStore) TransitionMembership(ctx context.Context, in TransitionInput) error {
	const op = "realtime.PostgresStore.TransitionMembership"

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("room_members")+`
		    SET status = $4, updated_at = $5
		  WHERE room_id = $1 AND user_id = $2 AND status = $3`,
		in.RoomID, in.UserID, string(in.From), string(in.To), in.Now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	ok, err := s.roomExists(ctx, s.pool, in.RoomID)
	if err != nil {
		return err
	}
	if !ok {
		return opErr(op, ErrNotFound, "room not found")
	}
	return opErr(op, ErrInvalidState, "membership is not "+string(in.From))
}

func (s *PostgresStore) RemoveMembership(ctx context.Context, in RemoveMembershipInput) (RemoveMembershipResult, error) {
	const op = "realtime.PostgresStore.RemoveMembership"

	tx, err := s.begin(ctx)
	if err != nil {
		return RemoveMembershipResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	kind, err := s.lockRoom(ctx, tx, op, in.RoomID)
	if err != nil {
		return RemoveMembershipResult{}, err
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+s.t("room_members")+` WHERE room_id = $1 AND user_id = $2 AND status = $3`,
		in.RoomID, in.UserID, string(in.From),
	)
	if err != nil {
		return RemoveMembershipResult{}, err
	}
	if tag.RowsAffected() == 0 {
		return RemoveMembershipResult{}, opErr(op, ErrInvalidState, "membership is not "+string(in.From))
	}

	var res RemoveMembershipResult
	if in.ReclaimEmpty && kind == RoomKindGroup {
		var joined bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+s.t("room_members")+` WHERE room_id = $1 AND status = 'JOINED')`,
			in.RoomID,
		).Scan(&joined); err != nil {
			return RemoveMembershipResult{}, err
		}
		if !joined {
			if _, err := tx.Exec(ctx, `DELETE FROM `+s.t("rooms")+` WHERE id = $1`, in.RoomID); err != nil {
				return RemoveMembershipResult{}, fmt.Errorf("reclaim room: %w", err)
			}
			res.RoomDeleted = true
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return RemoveMembershipResult{}, err
	}
	return res, nil
}

// AppendMessage allocates the next seq with the room row lock held by the
// UPDATE, so concurrent appends to one room queue behind each other.
// GREATEST keeps created_at strictly increasing even when clocks disagree.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "realtime.PostgresStore.AppendMessage"
	if in.RoomID == "" || in.ID == "" || in.SenderID == "" {
		return Message{}, opErr(op, ErrInvalidArgument, "missing room, id or sender")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC().Truncate(time.Microsecond)

	tx, err := s.begin(ctx)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	msg := Message{
		ID:       in.ID,
		RoomID:   in.RoomID,
		SenderID: in.SenderID,
		Content:  in.Content,
		Type:     in.Type,
	}
	err = tx.QueryRow(ctx,
		`UPDATE `+s.t("rooms")+`
		    SET last_seq = last_seq + 1,
		        last_content = $2,
		        last_message_at = GREATEST($3::timestamptz, last_message_at + interval '1 microsecond')
		  WHERE id = $1
		RETURNING last_seq, last_message_at`,
		in.RoomID, in.Content, now,
	).Scan(&msg.Seq, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, opErr(op, ErrNotFound, "room not found")
	}
	if err != nil {
		return Message{}, fmt.Errorf("allocate seq: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("messages")+` (room_id, seq, id, sender_id, content, type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.RoomID, msg.Seq, msg.ID, msg.SenderID, msg.Content, string(msg.Type), msg.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return Message{}, opErr(op, ErrConflict, "message id exists")
		}
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (MessagePage, error) {
	const op = "realtime.PostgresStore.FetchHistory"
	if in.RoomID == "" {
		return MessagePage{}, opErr(op, ErrInvalidArgument, "missing room id")
	}
	page, size := normalizePage(in.Page, in.Size)

	ok, err := s.roomExists(ctx, s.pool, in.RoomID)
	if err != nil {
		return MessagePage{}, err
	}
	if !ok {
		return MessagePage{}, opErr(op, ErrNotFound, "room not found")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, room_id, seq, sender_id, content, type, created_at, read
		   FROM `+s.t("messages")+`
		  WHERE room_id = $1
		  ORDER BY seq DESC
		  LIMIT $2 OFFSET $3`,
		in.RoomID, size+1, page*size,
	)
	if err != nil {
		return MessagePage{}, err
	}
	defer rows.Close()

	out := MessagePage{Page: page, Size: size}
	for rows.Next() {
		var (
			m   Message
			typ string
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Seq, &m.SenderID, &m.Content, &typ, &m.CreatedAt, &m.Read); err != nil {
			return MessagePage{}, err
		}
		m.Type = MessageType(typ)
		m.CreatedAt = m.CreatedAt.UTC()
		out.Messages = append(out.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, err
	}

	if len(out.Messages) > size {
		out.Messages = out.Messages[:size]
		out.HasMore = true
	}
	return out, nil
}

func (s *PostgresStore) AdvanceReadWatermark(ctx context.Context, roomID, userID string, seq int64, messageID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("room_members")+`
		    SET last_read_seq = $3, last_read_message_id = $4
		  WHERE room_id = $1 AND user_id = $2 AND last_read_seq < $3`,
		roomID, userID, seq, messageID,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetMembership(ctx, roomID, userID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) MarkDirectRead(ctx context.Context, in MarkReadInput) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("messages")+` m
		    SET read = TRUE
		   FROM `+s.t("rooms")+` r
		  WHERE r.id = m.room_id AND r.kind = 'direct'
		    AND m.room_id = $1 AND m.seq BETWEEN $2 AND $3
		    AND m.sender_id <> $4 AND NOT m.read`,
		in.RoomID, in.FromSeq, in.ToSeq, in.ReaderID,
	)
	if err != nil {
		return 0, err
	}
	if n := tag.RowsAffected(); n > 0 {
		return n, nil
	}
	ok, err := s.roomExists(ctx, s.pool, in.RoomID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, opErr("realtime.PostgresStore.MarkDirectRead", ErrNotFound, "room not found")
	}
	return 0, nil
}

func (s *PostgresStore) FindDirectRoom(ctx context.Context, userA, userB string) (Room, error) {
	low, high := canonicalPair(userA, userB)
	r, err := scanRoom(s.pool.QueryRow(ctx,
		`SELECT `+roomColumns+`
		   FROM `+s.t("direct_rooms")+` d
		   JOIN `+s.t("rooms")+` r ON r.id = d.room_id
		  WHERE d.user_low = $1 AND d.user_high = $2`,
		low, high,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, opErr("realtime.PostgresStore.FindDirectRoom", ErrNotFound, "direct room not found")
	}
	return r, err
}

// CreateDirectRoom serializes creators of one pair with an advisory lock, so
// the loser of a race reads the winner's room instead of failing on the
// unique pair key.
func (s *PostgresStore) CreateDirectRoom(ctx context.Context, room Room, userA, userB string) (Room, bool, error) {
	const op = "realtime.PostgresStore.CreateDirectRoom"
	low, high := canonicalPair(userA, userB)
	if low == high {
		return Room{}, false, opErr(op, ErrInvalidArgument, "direct room needs two distinct users")
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return Room{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "dm:"+low+"|"+high); err != nil {
		return Room{}, false, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := scanRoom(tx.QueryRow(ctx,
		`SELECT `+roomColumns+`
		   FROM `+s.t("direct_rooms")+` d
		   JOIN `+s.t("rooms")+` r ON r.id = d.room_id
		  WHERE d.user_low = $1 AND d.user_high = $2`,
		low, high,
	))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Room{}, false, err
	}

	room.Kind = RoomKindDirect
	room.CreatedAt = room.CreatedAt.UTC().Truncate(time.Microsecond)

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("rooms")+` (id, kind, created_by, created_at) VALUES ($1, 'direct', $2, $3)`,
		room.ID, room.CreatedBy, room.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return Room{}, false, opErr(op, ErrConflict, "room exists")
		}
		return Room{}, false, fmt.Errorf("insert room: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("direct_rooms")+` (user_low, user_high, room_id) VALUES ($1, $2, $3)`,
		low, high, room.ID,
	); err != nil {
		return Room{}, false, fmt.Errorf("insert pair: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("room_members")+` (room_id, user_id, status, updated_at)
		 VALUES ($1, $2, 'JOINED', $4), ($1, $3, 'JOINED', $4)`,
		room.ID, low, high, room.CreatedAt,
	); err != nil {
		return Room{}, false, fmt.Errorf("insert members: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Room{}, false, err
	}
	return room, true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
