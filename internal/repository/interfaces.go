// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/skinscan/internal/model"
)

// ScanRepository はスキャンデータの永続化インターフェース。
type ScanRepository interface {
	// Insert はスキャンを作成する。
	Insert(ctx context.Context, scan *model.Scan) error

	// FindByID は指定IDのスキャンを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Scan, error)

	// ConditionalUpdate は現在の状態がexpectedの場合に限り遷移を反映する。
	// 判定と書き込みは不可分に行われ、反映された場合のみtrueを返す。
	// 対象が存在しない場合もfalseを返す。
	ConditionalUpdate(ctx context.Context, id string, expected model.ScanState, t model.ScanTransition) (bool, error)

	// ListByOwner は指定ユーザーのスキャンを新しい順に最大limit件取得する。
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.Scan, error)

	// Delete は指定IDのスキャンを削除する。削除した場合はtrueを返す。
	Delete(ctx context.Context, id string) (bool, error)

	// ListStalePending はbefore より前に作成されpendingのまま残っているスキャンを古い順に取得する。
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*model.Scan, error)
}

// CatalogStore は推奨対象商品の読み取りインターフェース。
type CatalogStore interface {
	// QueryActive は条件を満たす有効な商品を取得する。
	// 並び順は評価平均の降順、同率は登録順。filter.Limitが正の場合はその件数までに制限する。
	QueryActive(ctx context.Context, filter model.RecommendationFilter) ([]*model.Product, error)
}

// ProductRepository はカタログ閲覧用の商品読み取りインターフェース。
type ProductRepository interface {
	// Search は検索条件に一致する有効な商品を1ページ分取得し、総件数とともに返す。
	Search(ctx context.Context, q model.ProductQuery) ([]*model.Product, int, error)

	// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Product, error)
}
