// Package model はドメインモデルを定義する。
package model

import "time"

// Ingredient は商品の成分。
type Ingredient struct {
	Name          string   `json:"name"`
	Concentration string   `json:"concentration,omitempty"`
	Benefits      []string `json:"benefits,omitempty"`
}

// Price は商品価格。
type Price struct {
	Amount   float64
	Currency string
}

// Rating は商品評価の集計値。
type Rating struct {
	Average float64 // 0〜5
	Count   int
}

// Product はカタログの商品を表す。カタログ管理はコアの外部で行われ、ここでは読み取り専用。
type Product struct {
	ID          string
	Name        string
	Brand       string
	Category    Category
	Description string
	Ingredients []Ingredient
	SkinTypes   []SkinType // "all" を含み得る
	Concerns    []ConcernType
	Price       Price
	Rating      Rating
	IsActive    bool
	CreatedAt   time.Time
}

// SuitsSkinType は商品が指定肌タイプ、またはワイルドカードに対応しているかを返す。
func (p *Product) SuitsSkinType(skinType SkinType) bool {
	for _, st := range p.SkinTypes {
		if st == SkinTypeAll || st == skinType {
			return true
		}
	}
	return false
}

// AddressesAny は商品が指定悩みのいずれかに対応しているかを返す。
func (p *Product) AddressesAny(concerns []ConcernType) bool {
	for _, have := range p.Concerns {
		for _, want := range concerns {
			if have == want {
				return true
			}
		}
	}
	return false
}

// RecommendationFilter は推奨対象商品の抽出条件。
// 有効な商品のうち、肌タイプ一致（ワイルドカード含む）または悩み一致のいずれかを満たすものが対象。
type RecommendationFilter struct {
	SkinType SkinType
	Concerns []ConcernType
	Limit    int // 0以下は無制限
}

// Matches は商品が抽出条件を満たすかを返す。
func (f RecommendationFilter) Matches(p *Product) bool {
	if !p.IsActive {
		return false
	}
	return p.SuitsSkinType(f.SkinType) || p.AddressesAny(f.Concerns)
}

// ProductQuery はカタログ閲覧の検索条件。空の項目は条件に含めない。
type ProductQuery struct {
	Category Category
	SkinType SkinType
	Concern  ConcernType
	Page     int
	Limit    int
}

// Matches は有効な商品が検索条件を満たすかを返す。
func (q ProductQuery) Matches(p *Product) bool {
	if !p.IsActive {
		return false
	}
	if q.Category != "" && p.Category != q.Category {
		return false
	}
	if q.SkinType != "" && !p.SuitsSkinType(q.SkinType) {
		return false
	}
	if q.Concern != "" && !p.AddressesAny([]ConcernType{q.Concern}) {
		return false
	}
	return true
}

// Offset はページ番号から取得開始位置を返す。
func (q ProductQuery) Offset() int {
	if q.Page <= 1 {
		return 0
	}
	return (q.Page - 1) * q.Limit
}
