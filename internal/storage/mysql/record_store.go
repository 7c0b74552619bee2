package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/proofs"
	"ProofChain/internal/receipt"
	"ProofChain/internal/tier"
	"ProofChain/internal/web3"
)

const recordColumns = `id, content_hash, hash_algorithm, tier, network, state, tx_id, confirmations, required_confirmations,
        signature, signature_status, last_error, error_code, created_at, broadcast_at, updated_at`

// RecordStore 使用 MySQL 保存提交记录。所有状态迁移都是带前置状态条件的 UPDATE，
// 多个副本并发推进同一记录时只有一个会成功。
type RecordStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewRecordStore 建立连接池并执行迁移。
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &RecordStore{db: db, now: time.Now}, nil
}

// Create 实现 receipt.Store。
func (s *RecordStore) Create(ctx context.Context, rec *receipt.Record) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(rec.ID) == "" || rec.ContentHash == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 与内容哈希不能为空")
	}
	now := s.now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if rec.State == "" {
		rec.State = receipt.StatePending
	}
	rec.UpdatedAt = now

	signature, err := marshalSignature(rec.Signature)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码签名失败")
	}

	const stmt = `INSERT INTO commitment_records
        (id, content_hash, hash_algorithm, tier, network, state, tx_id, confirmations, required_confirmations,
        signature, signature_status, last_error, error_code, created_at, broadcast_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', 0, ?, ?, ?, ?, ?, ?, 0, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		rec.ID,
		rec.ContentHash,
		string(rec.HashAlgorithm),
		string(rec.Tier),
		rec.Network,
		string(rec.State),
		rec.RequiredConfirmations,
		signature,
		string(rec.SignatureStatus),
		rec.LastError,
		rec.ErrorCode,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return receipt.ErrRecordConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入提交记录失败")
	}
	return nil
}

// Get 实现 receipt.Store。
func (s *RecordStore) Get(ctx context.Context, id string) (*receipt.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM commitment_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, receipt.ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提交记录失败")
	}
	return rec, nil
}

// FindByHash 实现 receipt.Store，按创建时间升序返回。
func (s *RecordStore) FindByHash(ctx context.Context, contentHash string) ([]*receipt.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM commitment_records
        WHERE content_hash = ? ORDER BY created_at ASC, id ASC`, contentHash)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按哈希查询记录失败")
	}
	return collectRecords(rows, 0)
}

// MarkBroadcast 实现 receipt.Store。
func (s *RecordStore) MarkBroadcast(ctx context.Context, id string, ref web3.ChainReference) (*receipt.Record, error) {
	if ref.IsZero() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "链上引用不能为空")
	}
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `UPDATE commitment_records SET state = ?, tx_id = ?, broadcast_at = ?, updated_at = ?
        WHERE id = ? AND state = ?`,
		string(receipt.StateBroadcast), ref.TxID, now, now, id, string(receipt.StatePending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入广播状态失败")
	}
	return s.afterTransition(ctx, res, id, receipt.StateBroadcast, nil)
}

// AdvanceConfirmations 实现 receipt.Store。确认数只增不减，达到要求后置为 Confirmed。
func (s *RecordStore) AdvanceConfirmations(ctx context.Context, id string, confirmations uint64) (*receipt.Record, error) {
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `UPDATE commitment_records
        SET confirmations = GREATEST(confirmations, ?),
            state = CASE WHEN GREATEST(confirmations, ?) >= required_confirmations THEN ? ELSE state END,
            updated_at = ?
        WHERE id = ? AND state = ? AND (confirmations < ? OR ? >= required_confirmations)`,
		confirmations, confirmations, string(receipt.StateConfirmed), now,
		id, string(receipt.StateBroadcast), confirmations, confirmations)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "推进确认数失败")
	}
	// 未命中时：已确认或确认数未增加都不是错误。
	return s.afterTransition(ctx, res, id, receipt.StateConfirmed, func(rec *receipt.Record) bool {
		return rec.State == receipt.StateConfirmed || rec.State == receipt.StateBroadcast
	})
}

// MarkFailed 实现 receipt.Store。
func (s *RecordStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, reason string) (*receipt.Record, error) {
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `UPDATE commitment_records SET state = ?, error_code = ?, last_error = ?, updated_at = ?
        WHERE id = ? AND state IN (?, ?)`,
		string(receipt.StateFailed), string(code), reason, now,
		id, string(receipt.StatePending), string(receipt.StateBroadcast))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记记录失败状态出错")
	}
	return s.afterTransition(ctx, res, id, receipt.StateFailed, nil)
}

// afterTransition 读取条件更新后的记录。未命中时区分记录不存在与状态冲突，
// accept 返回 true 的未命中视为无变化。
func (s *RecordStore) afterTransition(ctx context.Context, res sql.Result, id string, to receipt.State, accept func(*receipt.Record) bool) (*receipt.Record, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 && (accept == nil || !accept(rec)) {
		return rec, receipt.InvalidTransition(rec, to)
	}
	return rec, nil
}

// List 实现 receipt.Store。
func (s *RecordStore) List(ctx context.Context, opts receipt.ListOptions) ([]*receipt.Record, error) {
	opts = opts.Normalized()

	query := `SELECT ` + recordColumns + ` FROM commitment_records`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == receipt.SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记录列表失败")
	}
	return collectRecords(rows, opts.Limit)
}

// Stats 实现 receipt.Store。
func (s *RecordStore) Stats(ctx context.Context, opts receipt.ListOptions) (receipt.Stats, error) {
	opts = opts.Normalized()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0) AS broadcast,
        COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0) AS confirmed,
        COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM commitment_records`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(receipt.StatePending),
		string(receipt.StateBroadcast),
		string(receipt.StateConfirmed),
		string(receipt.StateFailed),
	}
	args = append(args, filterArgs...)

	var stats receipt.Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Broadcast,
		&stats.Confirmed,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return receipt.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记录统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *RecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*receipt.Record, error) {
	var (
		rec       receipt.Record
		algorithm string
		tierName  string
		state     string
		txID      string
		signature sql.NullString
		sigStatus string
		lastError sql.NullString
	)
	if err := row.Scan(
		&rec.ID,
		&rec.ContentHash,
		&algorithm,
		&tierName,
		&rec.Network,
		&state,
		&txID,
		&rec.Confirmations,
		&rec.RequiredConfirmations,
		&signature,
		&sigStatus,
		&lastError,
		&rec.ErrorCode,
		&rec.CreatedAt,
		&rec.BroadcastAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.HashAlgorithm = proofs.Algorithm(algorithm)
	rec.Tier = tier.Tier(tierName)
	rec.State = receipt.State(state)
	rec.SignatureStatus = proofs.SignatureStatus(sigStatus)
	rec.LastError = lastError.String
	if txID != "" {
		rec.ChainReference = &web3.ChainReference{Network: rec.Network, TxID: txID}
	}
	if signature.Valid && signature.String != "" {
		var sig proofs.Signature
		if err := json.Unmarshal([]byte(signature.String), &sig); err != nil {
			return nil, fmt.Errorf("解析签名失败: %w", err)
		}
		rec.Signature = &sig
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows, capacity int) ([]*receipt.Record, error) {
	defer rows.Close()
	records := make([]*receipt.Record, 0, capacity)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析提交记录失败")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历提交记录失败")
	}
	return records, nil
}

func marshalSignature(sig *proofs.Signature) (sql.NullString, error) {
	if sig == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(sig)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func buildFilterClause(opts receipt.ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.States) > 0 {
		placeholders := make([]string, 0, len(opts.States))
		for _, state := range opts.States {
			placeholders = append(placeholders, "?")
			args = append(args, string(state))
		}
		conditions = append(conditions, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Network != "" {
		conditions = append(conditions, "network = ?")
		args = append(args, opts.Network)
	}
	if opts.Tier != "" {
		conditions = append(conditions, "tier = ?")
		args = append(args, string(opts.Tier))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ receipt.Store = (*RecordStore)(nil)
