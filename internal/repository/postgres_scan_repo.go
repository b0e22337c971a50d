package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/hitoshi/skinscan/internal/model"
)

// コンパイル時にインターフェースの実装を検証する。
var _ ScanRepository = (*PostgresScanRepo)(nil)

// PostgresScanRepo はPostgreSQLを使用したスキャンリポジトリ。
type PostgresScanRepo struct {
	db *sql.DB
}

// NewPostgresScanRepo はPostgresScanRepoを生成する。
func NewPostgresScanRepo(db *sql.DB) *PostgresScanRepo {
	return &PostgresScanRepo{db: db}
}

const scanColumns = `id, owner_id, image_url, image_storage_id, state,
		        analysis, overall_confidence, failure_kind, failure_message,
		        created_at, processed_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// Insert はスキャンを作成する。
func (r *PostgresScanRepo) Insert(ctx context.Context, scan *model.Scan) error {
	analysis, err := marshalAnalysis(scan.Analysis)
	if err != nil {
		return err
	}
	failureKind, failureMessage := failureColumns(scan.FailureReason)

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO scans (`+scanColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		scan.ID, scan.OwnerID, scan.Image.URL, scan.Image.StorageID, scan.State,
		analysis, nullFloat64(scan.OverallConfidence), failureKind, failureMessage,
		scan.CreatedAt, nullTime(scan.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("スキャンの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのスキャンを取得する。見つからない場合はnilを返す。
func (r *PostgresScanRepo) FindByID(ctx context.Context, id string) (*model.Scan, error) {
	// UUID形式でないIDは存在し得ない
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE id = $1`,
		id,
	)
	scan, err := scanScanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("スキャンの取得に失敗しました: %w", err)
	}
	return scan, nil
}

// ConditionalUpdate は現在の状態がexpectedの場合に限り遷移を反映する。
// WHERE句で状態を検査するため、並行する遷移のうち1つだけが成功する。
func (r *PostgresScanRepo) ConditionalUpdate(ctx context.Context, id string, expected model.ScanState, t model.ScanTransition) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	analysis, err := marshalAnalysis(t.Analysis)
	if err != nil {
		return false, err
	}
	failureKind, failureMessage := failureColumns(t.FailureReason)

	result, err := r.db.ExecContext(ctx,
		`UPDATE scans SET
		    state = $3, analysis = $4, overall_confidence = $5,
		    failure_kind = $6, failure_message = $7, processed_at = $8
		 WHERE id = $1 AND state = $2`,
		id, expected, t.State, analysis, nullFloat64(t.OverallConfidence),
		failureKind, failureMessage, t.ProcessedAt,
	)
	if err != nil {
		return false, fmt.Errorf("スキャンの状態更新に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// ListByOwner は指定ユーザーのスキャンを新しい順に最大limit件取得する。
func (r *PostgresScanRepo) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.Scan, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+scanColumns+`
		 FROM scans
		 WHERE owner_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("スキャン一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectScans(rows)
}

// Delete は指定IDのスキャンを削除する。
func (r *PostgresScanRepo) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM scans WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("スキャンの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// ListStalePending はpendingのまま残っている古いスキャンを取得する。
func (r *PostgresScanRepo) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*model.Scan, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+scanColumns+`
		 FROM scans
		 WHERE state = 'pending' AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("未処理スキャンの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectScans(rows)
}

func collectScans(rows *sql.Rows) ([]*model.Scan, error) {
	var scans []*model.Scan
	for rows.Next() {
		scan, err := scanScanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("スキャン行のスキャンに失敗しました: %w", err)
		}
		scans = append(scans, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("スキャン行の走査に失敗しました: %w", err)
	}
	return scans, nil
}

// scanScanRow は1行をmodel.Scanに変換する。
func scanScanRow(row rowScanner) (*model.Scan, error) {
	scan := &model.Scan{}
	var (
		analysis                    []byte
		confidence                  sql.NullFloat64
		failureKind, failureMessage sql.NullString
		processedAt                 sql.NullTime
	)

	err := row.Scan(
		&scan.ID, &scan.OwnerID, &scan.Image.URL, &scan.Image.StorageID, &scan.State,
		&analysis, &confidence, &failureKind, &failureMessage,
		&scan.CreatedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	if analysis != nil {
		var a model.Analysis
		if err := json.Unmarshal(analysis, &a); err != nil {
			return nil, fmt.Errorf("解析結果のデコードに失敗しました: %w", err)
		}
		scan.Analysis = &a
	}
	if confidence.Valid {
		v := confidence.Float64
		scan.OverallConfidence = &v
	}
	if failureKind.Valid {
		scan.FailureReason = &model.FailureReason{
			Kind:    model.FailureKind(failureKind.String),
			Message: nullStringValue(failureMessage),
		}
	}
	if processedAt.Valid {
		t := processedAt.Time
		scan.ProcessedAt = &t
	}
	return scan, nil
}

// marshalAnalysis は解析結果をJSONB列に渡す値に変換する。
// lib/pqは[]byteをbyteaとして送るため文字列で渡す。
func marshalAnalysis(a *model.Analysis) (any, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("解析結果のエンコードに失敗しました: %w", err)
	}
	return string(b), nil
}

func failureColumns(r *model.FailureReason) (sql.NullString, sql.NullString) {
	if r == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return nullString(string(r.Kind)), nullString(r.Message)
}

// nullString は空文字列をNULLに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nullFloat64(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
