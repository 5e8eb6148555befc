package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
)

// dialect captures the SQL differences between the supported databases
type dialect struct {
	name string
	// skipLocked is appended to claim subqueries
	skipLocked string
	// serial and bigint are substituted into the schema
	serial string
	bigint string
}

// rebind converts ? placeholders to $n for databases that need it
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS inbound_items (
		seq {{serial}},
		msg_id TEXT UNIQUE NOT NULL,
		channel_id TEXT NOT NULL,
		channel_name TEXT NOT NULL DEFAULT '',
		thread_id TEXT NOT NULL DEFAULT '',
		author_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		attachments TEXT NOT NULL DEFAULT '[]',
		fetched_at {{bigint}} NOT NULL,
		status TEXT NOT NULL,
		claimed_at {{bigint}},
		processed_at {{bigint}},
		error_detail TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inbound_status ON inbound_items(status, fetched_at)`,
	`CREATE TABLE IF NOT EXISTS outbound_items (
		seq {{serial}},
		msg_id TEXT UNIQUE NOT NULL,
		channel_id TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		created_at {{bigint}} NOT NULL,
		status TEXT NOT NULL,
		claimed_at {{bigint}},
		sent_at {{bigint}},
		error_detail TEXT NOT NULL DEFAULT '',
		retries INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbound_status ON outbound_items(status, created_at)`,
	`CREATE TABLE IF NOT EXISTS responded (
		msg_id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		responded_at {{bigint}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS thread_watches (
		channel_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		last_checked_at {{bigint}} NOT NULL,
		created_at {{bigint}} NOT NULL,
		PRIMARY KEY (channel_id, thread_id)
	)`,
	`CREATE TABLE IF NOT EXISTS self_responses (
		id {{serial}},
		channel_id TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		posted_at {{bigint}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_self_thread ON self_responses(channel_id, thread_id, posted_at)`,
	`CREATE TABLE IF NOT EXISTS operations (
		id {{serial}},
		role TEXT NOT NULL,
		pid INTEGER NOT NULL,
		host TEXT NOT NULL,
		started_at {{bigint}} NOT NULL,
		ended_at {{bigint}}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_operations_active ON operations(ended_at)`,
}

const inboundColumns = `msg_id, channel_id, channel_name, thread_id, author_id, text, attachments,
	fetched_at, status, claimed_at, processed_at, error_detail`

const outboundColumns = `msg_id, channel_id, thread_id, text, created_at, status,
	claimed_at, sent_at, error_detail, retries`

// sqlStore implements repo.Store on database/sql
type sqlStore struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
	log zerolog.Logger
}

var _ repo.Store = (*sqlStore)(nil)

func newSQLStore(db *sql.DB, d dialect, log zerolog.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, d: d, now: time.Now, log: log}
	for _, stmt := range schema {
		stmt = strings.ReplaceAll(stmt, "{{serial}}", d.serial)
		stmt = strings.ReplaceAll(stmt, "{{bigint}}", d.bigint)
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return s, nil
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(query), args...)
}

// Close closes the database
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// ========== Inbound ==========

// EnqueueInbound inserts a pending inbound item
func (s *sqlStore) EnqueueInbound(ctx context.Context, item *domain.InboundItem) error {
	attachments, err := json.Marshal(nonNil(item.Attachments))
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}
	fetchedAt := item.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = s.now()
	}

	res, err := s.exec(ctx, `
		INSERT INTO inbound_items (msg_id, channel_id, channel_name, thread_id, author_id, text, attachments, fetched_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (msg_id) DO NOTHING
	`, item.ID, item.ChannelID, item.ChannelName, item.ThreadID, item.AuthorID, item.Text,
		string(attachments), fetchedAt.Unix(), string(domain.InboundPending))
	if err != nil {
		return fmt.Errorf("failed to enqueue inbound item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("inbound %s: %w", item.ID, domain.ErrDuplicateKey)
	}

	item.FetchedAt = time.Unix(fetchedAt.Unix(), 0)
	item.Status = domain.InboundPending
	return nil
}

// ClaimInbound atomically marks up to limit pending items as processing
func (s *sqlStore) ClaimInbound(ctx context.Context, limit int) ([]*domain.InboundItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.query(ctx, `
		UPDATE inbound_items SET status = ?, claimed_at = ?
		WHERE seq IN (
			SELECT seq FROM inbound_items
			WHERE status = ?
			ORDER BY fetched_at ASC, seq ASC
			LIMIT ?`+s.d.skipLocked+`
		)
		RETURNING seq, `+inboundColumns,
		string(domain.InboundProcessing), s.now().Unix(), string(domain.InboundPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim inbound items: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		seq  int64
		item *domain.InboundItem
	}
	var out []claimed
	for rows.Next() {
		var seq int64
		item, err := scanInbound(rows, &seq)
		if err != nil {
			return nil, err
		}
		out = append(out, claimed{seq: seq, item: item})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed inbound items: %w", err)
	}

	// RETURNING does not preserve the subquery order
	sort.Slice(out, func(i, j int) bool {
		if !out[i].item.FetchedAt.Equal(out[j].item.FetchedAt) {
			return out[i].item.FetchedAt.Before(out[j].item.FetchedAt)
		}
		return out[i].seq < out[j].seq
	})
	items := make([]*domain.InboundItem, len(out))
	for i, c := range out {
		items[i] = c.item
	}
	return items, nil
}

// CompleteInbound moves a processing item to its outcome status
func (s *sqlStore) CompleteInbound(ctx context.Context, id string, status domain.InboundStatus, detail string) error {
	if err := domain.ValidateInboundTransition(domain.InboundProcessing, status); err != nil {
		return err
	}

	var res sql.Result
	var err error
	if status == domain.InboundPending {
		res, err = s.exec(ctx, `
			UPDATE inbound_items SET status = ?, claimed_at = NULL, error_detail = ?
			WHERE msg_id = ? AND status = ?
		`, string(status), detail, id, string(domain.InboundProcessing))
	} else {
		res, err = s.exec(ctx, `
			UPDATE inbound_items SET status = ?, processed_at = ?, error_detail = ?
			WHERE msg_id = ? AND status = ?
		`, string(status), s.now().Unix(), detail, id, string(domain.InboundProcessing))
	}
	if err != nil {
		return fmt.Errorf("failed to complete inbound item: %w", err)
	}
	return s.checkInboundMove(ctx, res, id, status)
}

// ResetInbound moves an error item back to pending
func (s *sqlStore) ResetInbound(ctx context.Context, id string) error {
	if err := inboundReset.validate(); err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE inbound_items SET status = ?, claimed_at = NULL, processed_at = NULL
		WHERE msg_id = ? AND status = ?
	`, string(inboundReset.to), id, string(inboundReset.from))
	if err != nil {
		return fmt.Errorf("failed to reset inbound item: %w", err)
	}
	return s.checkInboundMove(ctx, res, id, inboundReset.to)
}

// checkInboundMove turns a conditional update that matched nothing into a typed error
func (s *sqlStore) checkInboundMove(ctx context.Context, res sql.Result, id string, to domain.InboundStatus) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var current string
	err := s.queryRow(ctx, `SELECT status FROM inbound_items WHERE msg_id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("inbound %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read inbound status: %w", err)
	}
	return fmt.Errorf("%w: inbound %s is %s, cannot move to %s", domain.ErrInvalidTransition, id, current, to)
}

// ========== Outbound ==========

// EnqueueOutbound inserts a pending outbound item
func (s *sqlStore) EnqueueOutbound(ctx context.Context, item *domain.OutboundItem) error {
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	res, err := s.exec(ctx, `
		INSERT INTO outbound_items (msg_id, channel_id, thread_id, text, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (msg_id) DO NOTHING
	`, item.ID, item.ChannelID, item.ThreadID, item.Text, createdAt.Unix(), string(domain.OutboundPending))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbound item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbound %s: %w", item.ID, domain.ErrDuplicateKey)
	}

	item.CreatedAt = time.Unix(createdAt.Unix(), 0)
	item.Status = domain.OutboundPending
	return nil
}

// ClaimOutbound atomically marks up to limit pending items as sending
func (s *sqlStore) ClaimOutbound(ctx context.Context, limit int) ([]*domain.OutboundItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.query(ctx, `
		UPDATE outbound_items SET status = ?, claimed_at = ?
		WHERE seq IN (
			SELECT seq FROM outbound_items
			WHERE status = ?
			ORDER BY created_at ASC, seq ASC
			LIMIT ?`+s.d.skipLocked+`
		)
		RETURNING seq, `+outboundColumns,
		string(domain.OutboundSending), s.now().Unix(), string(domain.OutboundPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbound items: %w", err)
	}
	defer rows.Close()

	seqs := make(map[*domain.OutboundItem]int64)
	var items []*domain.OutboundItem
	for rows.Next() {
		var seq int64
		item, err := scanOutbound(rows, &seq)
		if err != nil {
			return nil, err
		}
		seqs[item] = seq
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed outbound items: %w", err)
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return seqs[items[i]] < seqs[items[j]]
	})
	return items, nil
}

// CompleteOutbound moves a sending item to its outcome status
func (s *sqlStore) CompleteOutbound(ctx context.Context, id string, status domain.OutboundStatus, detail string) error {
	if err := domain.ValidateOutboundTransition(domain.OutboundSending, status); err != nil {
		return err
	}

	var res sql.Result
	var err error
	switch status {
	case domain.OutboundSent:
		res, err = s.exec(ctx, `
			UPDATE outbound_items SET status = ?, sent_at = ?, error_detail = ?
			WHERE msg_id = ? AND status = ?
		`, string(status), s.now().Unix(), detail, id, string(domain.OutboundSending))
	case domain.OutboundPending:
		res, err = s.exec(ctx, `
			UPDATE outbound_items SET status = ?, claimed_at = NULL
			WHERE msg_id = ? AND status = ?
		`, string(status), id, string(domain.OutboundSending))
	default:
		res, err = s.exec(ctx, `
			UPDATE outbound_items SET status = ?, error_detail = ?
			WHERE msg_id = ? AND status = ?
		`, string(status), detail, id, string(domain.OutboundSending))
	}
	if err != nil {
		return fmt.Errorf("failed to complete outbound item: %w", err)
	}
	return s.checkOutboundMove(ctx, res, id, status)
}

// RetryOutbound increments the retry counter of a sending item.
// The item returns to pending until the counter reaches maxRetries, then becomes error.
func (s *sqlStore) RetryOutbound(ctx context.Context, id, detail string, maxRetries int) (*domain.OutboundItem, error) {
	if err := outboundRetry.validate(); err != nil {
		return nil, err
	}
	if err := outboundExhausted.validate(); err != nil {
		return nil, err
	}
	row := s.queryRow(ctx, `
		UPDATE outbound_items
		SET retries = retries + 1,
			error_detail = ?,
			claimed_at = NULL,
			status = CASE WHEN retries + 1 >= ? THEN ? ELSE ? END
		WHERE msg_id = ? AND status = ?
		RETURNING 0, `+outboundColumns,
		detail, maxRetries, string(outboundExhausted.to), string(outboundRetry.to),
		id, string(outboundRetry.from))

	var seq int64
	item, err := scanOutbound(row, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.checkOutboundMove(ctx, zeroResult{}, id, outboundRetry.to)
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ResetOutbound moves an error item back to pending
func (s *sqlStore) ResetOutbound(ctx context.Context, id string) error {
	if err := outboundReset.validate(); err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE outbound_items SET status = ?, claimed_at = NULL, retries = 0
		WHERE msg_id = ? AND status = ?
	`, string(outboundReset.to), id, string(outboundReset.from))
	if err != nil {
		return fmt.Errorf("failed to reset outbound item: %w", err)
	}
	return s.checkOutboundMove(ctx, res, id, outboundReset.to)
}

func (s *sqlStore) checkOutboundMove(ctx context.Context, res sql.Result, id string, to domain.OutboundStatus) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var current string
	err := s.queryRow(ctx, `SELECT status FROM outbound_items WHERE msg_id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("outbound %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read outbound status: %w", err)
	}
	return fmt.Errorf("%w: outbound %s is %s, cannot move to %s", domain.ErrInvalidTransition, id, current, to)
}

// ========== Ledgers ==========

// HasResponded reports whether a responded record exists for id
func (s *sqlStore) HasResponded(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM responded WHERE msg_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check responded: %w", err)
	}
	return true, nil
}

// RecordResponded appends to the responded ledger; repeated ids are ignored
func (s *sqlStore) RecordResponded(ctx context.Context, rec *domain.RespondedRecord) error {
	at := rec.RespondedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO responded (msg_id, channel_id, thread_id, text, responded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (msg_id) DO NOTHING
	`, rec.ID, rec.ChannelID, rec.ThreadID, rec.Text, at.Unix())
	if err != nil {
		return fmt.Errorf("failed to record responded: %w", err)
	}
	return nil
}

// UpsertThreadWatch creates or refreshes a thread watch
func (s *sqlStore) UpsertThreadWatch(ctx context.Context, channelID, threadID string) error {
	now := s.now().Unix()
	_, err := s.exec(ctx, `
		INSERT INTO thread_watches (channel_id, thread_id, last_checked_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (channel_id, thread_id) DO UPDATE SET last_checked_at = excluded.last_checked_at
	`, channelID, threadID, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert thread watch: %w", err)
	}
	return nil
}

// RecordSelfResponse stores text the system posted
func (s *sqlStore) RecordSelfResponse(ctx context.Context, rec *domain.SelfResponseRecord) error {
	at := rec.PostedAt
	if at.IsZero() {
		at = s.now()
	}
	err := s.queryRow(ctx, `
		INSERT INTO self_responses (channel_id, thread_id, text, posted_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`, rec.ChannelID, rec.ThreadID, domain.NormalizeText(rec.Text), at.Unix()).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to record self response: %w", err)
	}
	return nil
}

// IsSelfResponse reports whether text matches a recent self response in the same thread
func (s *sqlStore) IsSelfResponse(ctx context.Context, channelID, threadID, text string, lookback time.Duration) (bool, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM self_responses
		WHERE channel_id = ? AND thread_id = ? AND text = ? AND posted_at >= ?
	`, channelID, threadID, domain.NormalizeText(text), s.now().Add(-lookback).Unix()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check self response: %w", err)
	}
	return n > 0, nil
}

// CountSelfResponses counts self responses in a thread since a time
func (s *sqlStore) CountSelfResponses(ctx context.Context, channelID, threadID string, since time.Time) (int, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM self_responses
		WHERE channel_id = ? AND thread_id = ? AND posted_at >= ?
	`, channelID, threadID, since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count self responses: %w", err)
	}
	return n, nil
}

// CountQueuedResponses counts responses in a thread that are queued but not yet posted
func (s *sqlStore) CountQueuedResponses(ctx context.Context, channelID, threadID, excludeID string, since time.Time) (int, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM outbound_items
		WHERE channel_id = ? AND thread_id = ? AND msg_id <> ? AND status IN (?, ?) AND created_at >= ?
	`, channelID, threadID, excludeID, string(domain.OutboundPending), string(domain.OutboundSending), since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued responses: %w", err)
	}
	return n, nil
}

// ========== Reporting ==========

// PendingCounts returns the number of pending inbound and outbound items
func (s *sqlStore) PendingCounts(ctx context.Context) (int, int, error) {
	var inbound, outbound int
	err := s.queryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM inbound_items WHERE status = ?),
			(SELECT COUNT(*) FROM outbound_items WHERE status = ?)
	`, string(domain.InboundPending), string(domain.OutboundPending)).Scan(&inbound, &outbound)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return inbound, outbound, nil
}

// Stats summarizes row counts across all tables
func (s *sqlStore) Stats(ctx context.Context) (*domain.QueueStats, error) {
	stats := &domain.QueueStats{
		QueueCounts: domain.QueueCounts{
			Inbound:  make(map[domain.InboundStatus]int),
			Outbound: make(map[domain.OutboundStatus]int),
		},
	}

	if err := s.groupCounts(ctx, "inbound_items", func(status string, n int) {
		stats.Inbound[domain.InboundStatus(status)] = n
	}); err != nil {
		return nil, err
	}
	if err := s.groupCounts(ctx, "outbound_items", func(status string, n int) {
		stats.Outbound[domain.OutboundStatus(status)] = n
	}); err != nil {
		return nil, err
	}

	err := s.queryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM responded),
			(SELECT COUNT(*) FROM thread_watches),
			(SELECT COUNT(*) FROM self_responses)
	`).Scan(&stats.Responded, &stats.ThreadWatches, &stats.SelfResponses)
	if err != nil {
		return nil, fmt.Errorf("failed to count ledgers: %w", err)
	}
	return stats, nil
}

func (s *sqlStore) groupCounts(ctx context.Context, table string, fn func(status string, n int)) error {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return fmt.Errorf("failed to count %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return fmt.Errorf("failed to scan %s counts: %w", table, err)
		}
		fn(status, n)
	}
	return rows.Err()
}

// ListInbound lists inbound items, newest first. An empty status lists all.
func (s *sqlStore) ListInbound(ctx context.Context, status domain.InboundStatus, limit int) ([]*domain.InboundItem, error) {
	q := `SELECT 0, ` + inboundColumns + ` FROM inbound_items`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY fetched_at DESC, seq DESC LIMIT ?`
	args = append(args, limitOrDefault(limit))

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbound items: %w", err)
	}
	defer rows.Close()

	var items []*domain.InboundItem
	for rows.Next() {
		var seq int64
		item, err := scanInbound(rows, &seq)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListOutbound lists outbound items, newest first. An empty status lists all.
func (s *sqlStore) ListOutbound(ctx context.Context, status domain.OutboundStatus, limit int) ([]*domain.OutboundItem, error) {
	q := `SELECT 0, ` + outboundColumns + ` FROM outbound_items`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, seq DESC LIMIT ?`
	args = append(args, limitOrDefault(limit))

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbound items: %w", err)
	}
	defer rows.Close()

	var items []*domain.OutboundItem
	for rows.Next() {
		var seq int64
		item, err := scanOutbound(rows, &seq)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListThreadWatches lists watched threads, most recently checked first
func (s *sqlStore) ListThreadWatches(ctx context.Context, limit int) ([]*domain.ThreadWatch, error) {
	rows, err := s.query(ctx, `
		SELECT channel_id, thread_id, last_checked_at, created_at
		FROM thread_watches
		ORDER BY last_checked_at DESC
		LIMIT ?
	`, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list thread watches: %w", err)
	}
	defer rows.Close()

	var watches []*domain.ThreadWatch
	for rows.Next() {
		var w domain.ThreadWatch
		var checked, created int64
		if err := rows.Scan(&w.ChannelID, &w.ThreadID, &checked, &created); err != nil {
			return nil, fmt.Errorf("failed to scan thread watch: %w", err)
		}
		w.LastCheckedAt = time.Unix(checked, 0)
		w.CreatedAt = time.Unix(created, 0)
		watches = append(watches, &w)
	}
	return watches, rows.Err()
}

// ========== Maintenance ==========

// RequeueStale returns rows held by dead or stuck workers to pending
func (s *sqlStore) RequeueStale(ctx context.Context, inboundBefore, outboundBefore time.Time) (int64, error) {
	if err := inboundRequeue.validate(); err != nil {
		return 0, err
	}
	if err := outboundRequeue.validate(); err != nil {
		return 0, err
	}
	res, err := s.exec(ctx, `
		UPDATE inbound_items SET status = ?, claimed_at = NULL
		WHERE status = ? AND claimed_at < ?
	`, string(inboundRequeue.to), string(inboundRequeue.from), inboundBefore.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue inbound items: %w", err)
	}
	inbound, _ := res.RowsAffected()

	res, err = s.exec(ctx, `
		UPDATE outbound_items SET status = ?, claimed_at = NULL
		WHERE status = ? AND claimed_at < ?
	`, string(outboundRequeue.to), string(outboundRequeue.from), outboundBefore.Unix())
	if err != nil {
		return inbound, fmt.Errorf("failed to requeue outbound items: %w", err)
	}
	outbound, _ := res.RowsAffected()

	if inbound+outbound > 0 {
		s.log.Info().Int64("inbound", inbound).Int64("outbound", outbound).Msg("requeued stale items")
	}
	return inbound + outbound, nil
}

// Cleanup deletes terminal rows and ledger entries older than before
func (s *sqlStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.Unix()
	stmts := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM inbound_items WHERE status = ? AND processed_at < ?`, []any{string(domain.InboundProcessed), cutoff}},
		{`DELETE FROM outbound_items WHERE status = ? AND sent_at < ?`, []any{string(domain.OutboundSent), cutoff}},
		{`DELETE FROM responded WHERE responded_at < ?`, []any{cutoff}},
		{`DELETE FROM self_responses WHERE posted_at < ?`, []any{cutoff}},
		{`DELETE FROM thread_watches WHERE last_checked_at < ?`, []any{cutoff}},
		{`DELETE FROM operations WHERE ended_at IS NOT NULL AND ended_at < ?`, []any{cutoff}},
	}

	var total int64
	for _, st := range stmts {
		res, err := s.exec(ctx, st.query, st.args...)
		if err != nil {
			return total, fmt.Errorf("failed to clean up: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// ========== Operations ==========

// BeginOperation registers a running operation
func (s *sqlStore) BeginOperation(ctx context.Context, role domain.Role, pid int, host string) (int64, error) {
	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO operations (role, pid, host, started_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`, string(role), pid, host, s.now().Unix()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to begin operation: %w", err)
	}
	return id, nil
}

// EndOperation marks an operation finished
func (s *sqlStore) EndOperation(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `UPDATE operations SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to end operation: %w", err)
	}
	return nil
}

// ListActiveOperations lists operations that have not ended, oldest first
func (s *sqlStore) ListActiveOperations(ctx context.Context) ([]*domain.Operation, error) {
	rows, err := s.query(ctx, `
		SELECT id, role, pid, host, started_at
		FROM operations
		WHERE ended_at IS NULL
		ORDER BY started_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*domain.Operation
	for rows.Next() {
		var op domain.Operation
		var role string
		var started int64
		if err := rows.Scan(&op.ID, &role, &op.PID, &op.Host, &started); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Role = domain.Role(role)
		op.StartedAt = time.Unix(started, 0)
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// ========== Scanning ==========

type scanner interface {
	Scan(dest ...any) error
}

func scanInbound(row scanner, seq *int64) (*domain.InboundItem, error) {
	var item domain.InboundItem
	var attachments, status string
	var fetched int64
	var claimed, processed sql.NullInt64

	err := row.Scan(seq, &item.ID, &item.ChannelID, &item.ChannelName, &item.ThreadID, &item.AuthorID,
		&item.Text, &attachments, &fetched, &status, &claimed, &processed, &item.ErrorDetail)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan inbound item: %w", err)
	}

	if err := json.Unmarshal([]byte(attachments), &item.Attachments); err != nil {
		return nil, fmt.Errorf("failed to decode attachments: %w", err)
	}
	if item.Status, err = domain.ParseInboundStatus(status); err != nil {
		return nil, err
	}
	item.FetchedAt = time.Unix(fetched, 0)
	item.ClaimedAt = nullTime(claimed)
	item.ProcessedAt = nullTime(processed)
	return &item, nil
}

func scanOutbound(row scanner, seq *int64) (*domain.OutboundItem, error) {
	var item domain.OutboundItem
	var status string
	var created int64
	var claimed, sent sql.NullInt64

	err := row.Scan(seq, &item.ID, &item.ChannelID, &item.ThreadID, &item.Text, &created, &status,
		&claimed, &sent, &item.ErrorDetail, &item.Retries)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan outbound item: %w", err)
	}

	if item.Status, err = domain.ParseOutboundStatus(status); err != nil {
		return nil, err
	}
	item.CreatedAt = time.Unix(created, 0)
	item.ClaimedAt = nullTime(claimed)
	item.SentAt = nullTime(sent)
	return &item, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

// zeroResult stands in for an update that matched no rows
type zeroResult struct{}

func (zeroResult) LastInsertId() (int64, error) { return 0, nil }
func (zeroResult) RowsAffected() (int64, error) { return 0, nil }

// inboundMove and outboundMove are status changes whose source is fixed by the statement
type inboundMove struct{ from, to domain.InboundStatus }

func (m inboundMove) validate() error { return domain.ValidateInboundTransition(m.from, m.to) }

type outboundMove struct{ from, to domain.OutboundStatus }

func (m outboundMove) validate() error { return domain.ValidateOutboundTransition(m.from, m.to) }

var (
	inboundReset      = inboundMove{from: domain.InboundError, to: domain.InboundPending}
	inboundRequeue    = inboundMove{from: domain.InboundProcessing, to: domain.InboundPending}
	outboundReset     = outboundMove{from: domain.OutboundError, to: domain.OutboundPending}
	outboundRequeue   = outboundMove{from: domain.OutboundSending, to: domain.OutboundPending}
	outboundRetry     = outboundMove{from: domain.OutboundSending, to: domain.OutboundPending}
	outboundExhausted = outboundMove{from: domain.OutboundSending, to: domain.OutboundError}
)
