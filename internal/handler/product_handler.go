package handler

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/skinscan/internal/catalog"
	"github.com/hitoshi/skinscan/internal/middleware"
	"github.com/hitoshi/skinscan/internal/model"
)

// CatalogServiceInterface は商品ハンドラーが必要とするサービスインターフェース。
type CatalogServiceInterface interface {
	Browse(ctx context.Context, in catalog.BrowseInput) (*catalog.Page, error)
	GetProduct(ctx context.Context, productID string) (*model.Product, error)
}

// ProductHandler は商品カタログのHTTPハンドラー。
type ProductHandler struct {
	service CatalogServiceInterface
}

// NewProductHandler はProductHandlerを生成する。
func NewProductHandler(service CatalogServiceInterface) *ProductHandler {
	return &ProductHandler{service: service}
}

// paginationResponse はページ情報のAPIレスポンス。
type paginationResponse struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// productListResponse は商品一覧のAPIレスポンス。
type productListResponse struct {
	Products   []productResponse  `json:"products"`
	Pagination paginationResponse `json:"pagination"`
}

// List は条件に一致する商品を評価の高い順に返す。
// GET /api/products?category=&skin_type=&concern=&page=&limit=
func (h *ProductHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := intQuery(q, "page")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	limit, err := intQuery(q, "limit")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	skinType := q.Get("skin_type")
	if skinType == "" {
		skinType = q.Get("skinType")
	}

	result, err := h.service.Browse(r.Context(), catalog.BrowseInput{
		Category: q.Get("category"),
		SkinType: skinType,
		Concern:  q.Get("concern"),
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, productListResponse{
		Products: toProductResponses(result.Items),
		Pagination: paginationResponse{
			Page:  result.Page,
			Limit: result.Limit,
			Total: result.Total,
			Pages: result.Pages,
		},
	})
}

// Get は商品を1件返す。
// GET /api/products/{id}
func (h *ProductHandler) Get(w http.ResponseWriter, r *http.Request) {
	product, err := h.service.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toProductResponse(product))
}

// intQuery は整数のクエリパラメータを読み取る。未指定の場合は0を返す。
func intQuery(q url.Values, key string) (int, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.NewValidationError(key + "は整数で指定してください")
	}
	return v, nil
}
