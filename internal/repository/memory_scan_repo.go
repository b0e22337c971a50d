package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/skinscan/internal/model"
)

var _ ScanRepository = (*MemoryScanRepo)(nil)

// MemoryScanRepo はプロセス内メモリに保持するスキャンリポジトリ。
// 条件付き更新はミューテックス下の比較と書き込みで不可分に行う。
type MemoryScanRepo struct {
	mu    sync.Mutex
	scans map[string]*memoryScan
	seq   int64
}

type memoryScan struct {
	scan *model.Scan
	seq  int64
}

// NewMemoryScanRepo はMemoryScanRepoを生成する。
func NewMemoryScanRepo() *MemoryScanRepo {
	return &MemoryScanRepo{scans: make(map[string]*memoryScan)}
}

// Insert はスキャンを作成する。同じIDが存在する場合はエラーを返す。
func (r *MemoryScanRepo) Insert(_ context.Context, scan *model.Scan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.scans[scan.ID]; ok {
		return fmt.Errorf("スキャンの作成に失敗しました: id %s は既に存在します", scan.ID)
	}
	r.seq++
	r.scans[scan.ID] = &memoryScan{scan: scan.Clone(), seq: r.seq}
	return nil
}

// FindByID は指定IDのスキャンのコピーを返す。見つからない場合はnilを返す。
func (r *MemoryScanRepo) FindByID(_ context.Context, id string) (*model.Scan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.scans[id]
	if !ok {
		return nil, nil
	}
	return e.scan.Clone(), nil
}

// ConditionalUpdate は現在の状態がexpectedの場合に限り遷移を反映する。
func (r *MemoryScanRepo) ConditionalUpdate(_ context.Context, id string, expected model.ScanState, t model.ScanTransition) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.scans[id]
	if !ok || e.scan.State != expected {
		return false, nil
	}

	updated := e.scan.Clone()
	updated.Apply(t)
	e.scan = updated.Clone()
	return true, nil
}

// ListByOwner は指定ユーザーのスキャンを新しい順に最大limit件返す。
// 作成日時が同じ場合は後から登録したものを先にする。
func (r *MemoryScanRepo) ListByOwner(_ context.Context, ownerID string, limit int) ([]*model.Scan, error) {
	r.mu.Lock()
	entries := make([]*memoryScan, 0)
	for _, e := range r.scans {
		if e.scan.OwnerID == ownerID {
			entries = append(entries, &memoryScan{scan: e.scan.Clone(), seq: e.seq})
		}
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.scan.CreatedAt.Equal(b.scan.CreatedAt) {
			return a.scan.CreatedAt.After(b.scan.CreatedAt)
		}
		return a.seq > b.seq
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	scans := make([]*model.Scan, len(entries))
	for i, e := range entries {
		scans[i] = e.scan
	}
	return scans, nil
}

// Delete は指定IDのスキャンを削除する。
func (r *MemoryScanRepo) Delete(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.scans[id]; !ok {
		return false, nil
	}
	delete(r.scans, id)
	return true, nil
}

// ListStalePending はbeforeより前に作成されpendingのまま残っているスキャンを古い順に返す。
func (r *MemoryScanRepo) ListStalePending(_ context.Context, before time.Time, limit int) ([]*model.Scan, error) {
	r.mu.Lock()
	var entries []*memoryScan
	for _, e := range r.scans {
		if e.scan.State == model.ScanStatePending && e.scan.CreatedAt.Before(before) {
			entries = append(entries, &memoryScan{scan: e.scan.Clone(), seq: e.seq})
		}
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.scan.CreatedAt.Equal(b.scan.CreatedAt) {
			return a.scan.CreatedAt.Before(b.scan.CreatedAt)
		}
		return a.seq < b.seq
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	scans := make([]*model.Scan, len(entries))
	for i, e := range entries {
		scans[i] = e.scan
	}
	return scans, nil
}
