package handler

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/hitoshi/skinscan/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// failureResponse は解析失敗理由のAPIレスポンス。
type failureResponse struct {
	Kind    model.FailureKind `json:"kind"`
	Message string            `json:"message"`
}

// scanResponse はスキャンのAPIレスポンス。
type scanResponse struct {
	ID                string           `json:"id"`
	State             model.ScanState  `json:"state"`
	ImageURL          string           `json:"image_url"`
	Analysis          *model.Analysis  `json:"analysis,omitempty"`
	OverallConfidence *float64         `json:"overall_confidence,omitempty"`
	Failure           *failureResponse `json:"failure,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	ProcessedAt       *time.Time       `json:"processed_at,omitempty"`
}

func toScanResponse(s *model.Scan) scanResponse {
	resp := scanResponse{
		ID:                s.ID,
		State:             s.State,
		ImageURL:          s.Image.URL,
		Analysis:          s.Analysis,
		OverallConfidence: s.OverallConfidence,
		CreatedAt:         s.CreatedAt,
		ProcessedAt:       s.ProcessedAt,
	}
	if s.FailureReason != nil {
		resp.Failure = &failureResponse{
			Kind:    s.FailureReason.Kind,
			Message: s.FailureReason.Message,
		}
	}
	return resp
}

// priceResponse は価格のAPIレスポンス。
type priceResponse struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// ratingResponse は評価のAPIレスポンス。
type ratingResponse struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// productResponse は商品のAPIレスポンス。
type productResponse struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Brand       string              `json:"brand"`
	Category    model.Category      `json:"category"`
	Description string              `json:"description"`
	Ingredients []model.Ingredient  `json:"ingredients"`
	SkinTypes   []model.SkinType    `json:"skin_types"`
	Concerns    []model.ConcernType `json:"concerns"`
	Price       priceResponse       `json:"price"`
	Rating      ratingResponse      `json:"rating"`
}

func toProductResponse(p *model.Product) productResponse {
	ingredients := p.Ingredients
	if ingredients == nil {
		ingredients = []model.Ingredient{}
	}
	skinTypes := p.SkinTypes
	if skinTypes == nil {
		skinTypes = []model.SkinType{}
	}
	concerns := p.Concerns
	if concerns == nil {
		concerns = []model.ConcernType{}
	}
	return productResponse{
		ID:          p.ID,
		Name:        p.Name,
		Brand:       p.Brand,
		Category:    p.Category,
		Description: p.Description,
		Ingredients: ingredients,
		SkinTypes:   skinTypes,
		Concerns:    concerns,
		Price:       priceResponse{Amount: p.Price.Amount, Currency: p.Price.Currency},
		Rating:      ratingResponse{Average: p.Rating.Average, Count: p.Rating.Count},
	}
}

func toProductResponses(products []*model.Product) []productResponse {
	out := make([]productResponse, 0, len(products))
	for _, p := range products {
		out = append(out, toProductResponse(p))
	}
	return out
}
