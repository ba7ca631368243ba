package member

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"teamclock/internal/registry/models"
	"teamclock/pkg/domain"
	"teamclock/pkg/platform/sentinel"
	txcontext "teamclock/pkg/platform/tx"
)

// quotaIndex is the partial unique index that holds the one-active-member
// limit. See internal/platform/database/migrations.
const quotaIndex = "team_members_one_active_per_creator"

// PostgresStore persists members in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed member store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// q returns the transaction in ctx, if RunInTx opened one, or the pool.
func (s *PostgresStore) q(ctx context.Context) txcontext.Querier {
	return txcontext.QuerierFrom(ctx, s.db)
}

// RunInTx runs fn in one transaction. Store calls made with txCtx join it.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if err := txcontext.Run(ctx, s.db, 0, fn); err != nil {
		return translate("transaction", err)
	}
	return nil
}

const memberColumns = `id, name, location, timezone, flag, created_by, status, quota_exempt, created_at, work_start, work_end`

func (s *PostgresStore) List(ctx context.Context) ([]*models.TeamMember, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT `+memberColumns+` FROM team_members ORDER BY created_at, id`)
	if err != nil {
		return nil, translate("list members", err)
	}
	defer rows.Close()

	members := make([]*models.TeamMember, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, translate("scan member", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("iterate members", err)
	}
	return members, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, memberID domain.MemberID) (*models.TeamMember, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+memberColumns+` FROM team_members WHERE id = $1`, uuid.UUID(memberID))
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, translate("find member", err)
	}
	return m, nil
}

// CreateIfQuotaAvailable inserts m in a single statement. The partial unique
// index rejects a second active, non-exempt member for the same creator even
// when the inserts race.
func (s *PostgresStore) CreateIfQuotaAvailable(ctx context.Context, m *models.TeamMember) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO team_members (`+memberColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		uuid.UUID(m.ID),
		m.Name,
		m.Location,
		m.Timezone,
		m.Flag,
		nullString(m.CreatedBy.String()),
		string(m.Status),
		m.QuotaExempt,
		m.CreatedAt,
		nullString(m.WorkStart),
		nullString(m.WorkEnd),
	)
	if err != nil {
		return translate("insert member", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, memberID domain.MemberID) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM team_members WHERE id = $1`, uuid.UUID(memberID))
	if err != nil {
		return translate("delete member", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translate("delete member rows", err)
	}
	if affected == 0 {
		return fmt.Errorf("member not found: %w", sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CountActiveByCreator(ctx context.Context, userID domain.UserID) (int, error) {
	var count int
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM team_members WHERE created_by = $1 AND status = 'active' AND NOT quota_exempt`,
		userID.String(),
	).Scan(&count)
	if err != nil {
		return 0, translate("count active members", err)
	}
	return count, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM team_members`).Scan(&count); err != nil {
		return 0, translate("count members", err)
	}
	return count, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return translate("ping database", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*models.TeamMember, error) {
	var (
		id        uuid.UUID
		m         models.TeamMember
		status    string
		createdBy sql.NullString
		workStart sql.NullString
		workEnd   sql.NullString
	)
	if err := row.Scan(
		&id,
		&m.Name,
		&m.Location,
		&m.Timezone,
		&m.Flag,
		&createdBy,
		&status,
		&m.QuotaExempt,
		&m.CreatedAt,
		&workStart,
		&workEnd,
	); err != nil {
		return nil, err
	}
	m.ID = domain.MemberID(id)
	m.Status = models.MemberStatus(status)
	m.CreatedBy = domain.UserID(createdBy.String)
	m.WorkStart = workStart.String
	m.WorkEnd = workEnd.String
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// translate maps driver errors onto store sentinels. Unique violations on the
// quota index become ErrAlreadyUsed; connection failures and timeouts become
// ErrUnavailable. Anything else is returned wrapped as-is.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505" && pqErr.Constraint == quotaIndex:
			return fmt.Errorf("%s: creator already owns an active member: %w", op, sentinel.ErrAlreadyUsed)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "53", pqErr.Code.Class() == "57":
			return fmt.Errorf("%s: %s: %w", op, pqErr.Message, sentinel.ErrUnavailable)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %v: %w", op, err, sentinel.ErrUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
