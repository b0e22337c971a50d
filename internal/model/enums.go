// Package model はドメインモデルを定義する。
package model

import "fmt"

// Enum は固定列挙型が満たすインターフェース。
// validationパッケージのカスタムタグ "enum" から利用される。
type Enum interface {
	IsValid() bool
}

// SkinType は肌タイプを表す。
type SkinType string

const (
	SkinTypeOily        SkinType = "oily"
	SkinTypeDry         SkinType = "dry"
	SkinTypeCombination SkinType = "combination"
	SkinTypeNormal      SkinType = "normal"
	SkinTypeSensitive   SkinType = "sensitive"
	// SkinTypeAll は商品側でのみ使用するワイルドカード。
	// 解析結果の肌タイプとしては無効。
	SkinTypeAll SkinType = "all"
)

// IsValid は解析結果として有効な肌タイプかを返す。ワイルドカードは含まない。
func (s SkinType) IsValid() bool {
	switch s {
	case SkinTypeOily, SkinTypeDry, SkinTypeCombination, SkinTypeNormal, SkinTypeSensitive:
		return true
	}
	return false
}

// IsValidForProduct は商品の適用肌タイプとして有効かを返す。ワイルドカードを含む。
func (s SkinType) IsValidForProduct() bool {
	return s == SkinTypeAll || s.IsValid()
}

// ParseSkinType は文字列を解析結果用のSkinTypeに変換する。
func ParseSkinType(v string) (SkinType, error) {
	s := SkinType(v)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown skin type: %q", v)
	}
	return s, nil
}

// ConcernType は肌悩みの種別を表す。
type ConcernType string

const (
	ConcernAcne              ConcernType = "acne"
	ConcernAging             ConcernType = "aging"
	ConcernHyperpigmentation ConcernType = "hyperpigmentation"
	ConcernRedness           ConcernType = "redness"
	ConcernDryness           ConcernType = "dryness"
	ConcernOiliness          ConcernType = "oiliness"
	ConcernWrinkles          ConcernType = "wrinkles"
	ConcernDarkSpots         ConcernType = "dark_spots"
)

// IsValid は定義済みの悩み種別かを返す。
func (c ConcernType) IsValid() bool {
	switch c {
	case ConcernAcne, ConcernAging, ConcernHyperpigmentation, ConcernRedness,
		ConcernDryness, ConcernOiliness, ConcernWrinkles, ConcernDarkSpots:
		return true
	}
	return false
}

// ParseConcernType は文字列をConcernTypeに変換する。
func ParseConcernType(v string) (ConcernType, error) {
	c := ConcernType(v)
	if !c.IsValid() {
		return "", fmt.Errorf("unknown concern type: %q", v)
	}
	return c, nil
}

// Severity は悩みの重症度を表す。
type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// IsValid は定義済みの重症度かを返す。
func (s Severity) IsValid() bool {
	switch s {
	case SeverityMild, SeverityModerate, SeveritySevere:
		return true
	}
	return false
}

// Priority は推奨ヒントの優先度を表す。
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// IsValid は定義済みの優先度かを返す。
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Category は商品カテゴリを表す。
type Category string

const (
	CategoryCleanser    Category = "cleanser"
	CategoryToner       Category = "toner"
	CategorySerum       Category = "serum"
	CategoryMoisturizer Category = "moisturizer"
	CategorySunscreen   Category = "sunscreen"
	CategoryTreatment   Category = "treatment"
	CategoryMask        Category = "mask"
	CategoryExfoliant   Category = "exfoliant"
)

// IsValid は定義済みのカテゴリかを返す。
func (c Category) IsValid() bool {
	switch c {
	case CategoryCleanser, CategoryToner, CategorySerum, CategoryMoisturizer,
		CategorySunscreen, CategoryTreatment, CategoryMask, CategoryExfoliant:
		return true
	}
	return false
}

// ParseCategory は文字列をCategoryに変換する。
func ParseCategory(v string) (Category, error) {
	c := Category(v)
	if !c.IsValid() {
		return "", fmt.Errorf("unknown category: %q", v)
	}
	return c, nil
}
