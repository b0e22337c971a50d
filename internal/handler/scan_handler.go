package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/skinscan/internal/middleware"
	"github.com/hitoshi/skinscan/internal/model"
	"github.com/hitoshi/skinscan/internal/scan"
)

// multipartOverhead はmultipartの境界やヘッダーのために画像サイズ上限へ加算する余裕。
const multipartOverhead = 64 << 10

// ScanServiceInterface はスキャンハンドラーが必要とするサービスインターフェース。
type ScanServiceInterface interface {
	Upload(ctx context.Context, ownerID string, in scan.UploadInput) (*model.Scan, error)
	GetOwnedScan(ctx context.Context, ownerID, scanID string) (*model.Scan, error)
	ListScansForOwner(ctx context.Context, ownerID string) ([]*model.Scan, error)
	DeleteOwnedScan(ctx context.Context, ownerID, scanID string) error
}

// RecommenderInterface は解析済みスキャンから商品を推薦する。
type RecommenderInterface interface {
	Recommend(ctx context.Context, scan *model.Scan) ([]*model.Product, error)
}

// ScanHandler はスキャンのHTTPハンドラー。
type ScanHandler struct {
	service        ScanServiceInterface
	recommender    RecommenderInterface
	maxUploadBytes int64
}

// NewScanHandler はScanHandlerを生成する。
func NewScanHandler(service ScanServiceInterface, recommender RecommenderInterface, maxUploadBytes int64) *ScanHandler {
	return &ScanHandler{
		service:        service,
		recommender:    recommender,
		maxUploadBytes: maxUploadBytes,
	}
}

// recommendationsResponse は推薦結果のAPIレスポンス。
type recommendationsResponse struct {
	Scan            scanResponse      `json:"scan"`
	Analysis        *model.Analysis   `json:"analysis"`
	Recommendations []productResponse `json:"recommendations"`
}

// Upload は画像をアップロードしてスキャンを作成する。
// POST /api/scans
func (h *ScanHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	file, header, err := r.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeTooLarge(w)
			return
		}
		middleware.WriteError(w, r, model.NewValidationError("imageフィールドに画像ファイルを指定してください"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeTooLarge(w)
			return
		}
		middleware.WriteError(w, r, model.NewValidationError("画像ファイルを読み込めませんでした"))
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		writeTooLarge(w)
		return
	}

	// 申告されたContent-Typeではなく内容から判定する
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		slog.Debug("rejected non-image upload",
			slog.String("user_id", userID),
			slog.String("detected", mt.String()),
		)
		middleware.WriteError(w, r, model.NewValidationError("画像ファイルのみアップロードできます"))
		return
	}

	created, err := h.service.Upload(r.Context(), userID, scan.UploadInput{
		Data:        data,
		ContentType: mt.String(),
		Filename:    header.Filename,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toScanResponse(created))
}

// List はユーザーのスキャンを新しい順に返す。
// GET /api/scans
func (h *ScanHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	scans, err := h.service.ListScansForOwner(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	out := make([]scanResponse, 0, len(scans))
	for _, s := range scans {
		out = append(out, toScanResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// Get はスキャンを1件返す。
// GET /api/scans/{id}
func (h *ScanHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	found, err := h.service.GetOwnedScan(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toScanResponse(found))
}

// Delete はスキャンと画像を削除する。
// DELETE /api/scans/{id}
func (h *ScanHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	if err := h.service.DeleteOwnedScan(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Recommendations は解析済みスキャンに対する推薦商品を返す。
// GET /api/scans/{id}/recommendations
func (h *ScanHandler) Recommendations(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	found, err := h.service.GetOwnedScan(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	products, err := h.recommender.Recommend(r.Context(), found)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, recommendationsResponse{
		Scan:            toScanResponse(found),
		Analysis:        found.Analysis,
		Recommendations: toProductResponses(products),
	})
}

func writeTooLarge(w http.ResponseWriter) {
	middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, &model.APIError{
		Kind:     model.KindValidation,
		Code:     "IMAGE_TOO_LARGE",
		Message:  "画像ファイルのサイズが上限を超えています。",
		Category: "validation",
		Action:   "より小さい画像を選択してください。",
	})
}
