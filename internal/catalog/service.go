// Package catalog は商品カタログの閲覧を提供する。
// カタログの管理は外部で行われ、ここでは読み取りのみを扱う。
package catalog

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/hitoshi/skinscan/internal/model"
	"github.com/hitoshi/skinscan/internal/repository"
)

const (
	// DefaultLimit は1ページあたりの既定件数。
	DefaultLimit = 10
	// MaxLimit は1ページあたりの最大件数。
	MaxLimit = 50
	// MaxPage は取得開始位置がintに収まるページ番号の上限。
	MaxPage = math.MaxInt/MaxLimit + 1
)

// BrowseInput はカタログ閲覧の入力。文字列は未検証の値を受け取る。
type BrowseInput struct {
	Category string
	SkinType string
	Concern  string
	Page     int
	Limit    int
}

// Page はカタログ閲覧の結果1ページ分。
type Page struct {
	Items []*model.Product
	Page  int
	Limit int
	Total int
	Pages int
}

// Service はカタログ閲覧のサービス層。
type Service struct {
	repo repository.ProductRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.ProductRepository) *Service {
	return &Service{repo: repo}
}

// Browse は条件に一致する有効な商品を評価の高い順にページ単位で返す。
func (s *Service) Browse(ctx context.Context, in BrowseInput) (*Page, error) {
	q, err := buildQuery(in)
	if err != nil {
		return nil, err
	}

	items, total, err := s.repo.Search(ctx, q)
	if err != nil {
		return nil, model.NewPersistenceError("search products", err)
	}
	if items == nil {
		items = []*model.Product{}
	}

	return &Page{
		Items: items,
		Page:  q.Page,
		Limit: q.Limit,
		Total: total,
		Pages: (total + q.Limit - 1) / q.Limit,
	}, nil
}

// GetProduct は指定IDの商品を返す。無効化された商品も返す。
func (s *Service) GetProduct(ctx context.Context, productID string) (*model.Product, error) {
	p, err := s.repo.FindByID(ctx, productID)
	if err != nil {
		return nil, model.NewPersistenceError("find product", err)
	}
	if p == nil {
		return nil, model.NewProductNotFoundError(productID)
	}
	return p, nil
}

// buildQuery は入力を検証して検索条件に変換する。
func buildQuery(in BrowseInput) (model.ProductQuery, error) {
	q := model.ProductQuery{Page: in.Page, Limit: in.Limit}

	if q.Page < 1 {
		q.Page = 1
	}
	if q.Page > MaxPage {
		return q, model.NewValidationError(fmt.Sprintf("page is too large: %d", q.Page))
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultLimit
	case q.Limit > MaxLimit:
		q.Limit = MaxLimit
	}

	if v := strings.TrimSpace(in.Category); v != "" {
		c, err := model.ParseCategory(v)
		if err != nil {
			return q, model.NewValidationError(err.Error())
		}
		q.Category = c
	}
	if v := strings.TrimSpace(in.SkinType); v != "" {
		st := model.SkinType(v)
		if !st.IsValidForProduct() {
			return q, model.NewValidationError(fmt.Sprintf("unknown skin type: %q", v))
		}
		q.SkinType = st
	}
	if v := strings.TrimSpace(in.Concern); v != "" {
		c, err := model.ParseConcernType(v)
		if err != nil {
			return q, model.NewValidationError(err.Error())
		}
		q.Concern = c
	}
	return q, nil
}
