package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/hitoshi/skinscan/internal/model"
)

var (
	_ CatalogStore      = (*MemoryProductRepo)(nil)
	_ ProductRepository = (*MemoryProductRepo)(nil)
)

// MemoryProductRepo はプロセス内メモリに保持する商品カタログ。
// 登録順を保持し、評価が同率の商品は登録順に並べる。
type MemoryProductRepo struct {
	mu       sync.RWMutex
	products []*model.Product
	index    map[string]int
}

// NewMemoryProductRepo は指定商品を登録順に保持するMemoryProductRepoを生成する。
func NewMemoryProductRepo(products ...*model.Product) *MemoryProductRepo {
	r := &MemoryProductRepo{index: make(map[string]int)}
	for _, p := range products {
		r.Put(p)
	}
	return r
}

// Put は商品を登録する。同じIDが存在する場合は登録順を維持したまま置き換える。
func (r *MemoryProductRepo) Put(p *model.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := cloneProduct(p)
	if i, ok := r.index[p.ID]; ok {
		r.products[i] = c
		return
	}
	r.index[p.ID] = len(r.products)
	r.products = append(r.products, c)
}

// QueryActive は推奨条件を満たす有効な商品を評価順に返す。
func (r *MemoryProductRepo) QueryActive(_ context.Context, filter model.RecommendationFilter) ([]*model.Product, error) {
	matched := r.collect(filter.Matches)
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Search は検索条件に一致する有効な商品を1ページ分返す。
func (r *MemoryProductRepo) Search(_ context.Context, q model.ProductQuery) ([]*model.Product, int, error) {
	matched := r.collect(q.Matches)
	total := len(matched)

	start := q.Offset()
	if start >= total {
		return []*model.Product{}, total, nil
	}
	end := total
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}
	return matched[start:end], total, nil
}

// FindByID は指定IDの商品を返す。見つからない場合はnilを返す。
func (r *MemoryProductRepo) FindByID(_ context.Context, id string) (*model.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[id]
	if !ok {
		return nil, nil
	}
	return cloneProduct(r.products[i]), nil
}

// collect は条件を満たす商品を評価平均の降順、同率は登録順で返す。
func (r *MemoryProductRepo) collect(match func(*model.Product) bool) []*model.Product {
	r.mu.RLock()
	matched := make([]*model.Product, 0)
	for _, p := range r.products {
		if match(p) {
			matched = append(matched, cloneProduct(p))
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Rating.Average > matched[j].Rating.Average
	})
	return matched
}

func cloneProduct(p *model.Product) *model.Product {
	c := *p
	c.Ingredients = append([]model.Ingredient(nil), p.Ingredients...)
	c.SkinTypes = append([]model.SkinType(nil), p.SkinTypes...)
	c.Concerns = append([]model.ConcernType(nil), p.Concerns...)
	return &c
}
