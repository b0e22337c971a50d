package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/hitoshi/skinscan/internal/model"
)

var (
	_ CatalogStore      = (*PostgresProductRepo)(nil)
	_ ProductRepository = (*PostgresProductRepo)(nil)
)

// PostgresProductRepo はPostgreSQLを使用した商品カタログの読み取りリポジトリ。
type PostgresProductRepo struct {
	db *sql.DB
}

// NewPostgresProductRepo はPostgresProductRepoを生成する。
func NewPostgresProductRepo(db *sql.DB) *PostgresProductRepo {
	return &PostgresProductRepo{db: db}
}

const productColumns = `id, name, brand, category, description, ingredients,
		        skin_types, concerns, price_amount, price_currency,
		        rating_average, rating_count, is_active, created_at`

// QueryActive は推奨条件を満たす有効な商品を評価順に取得する。
// 肌タイプは一致またはワイルドカード 'all'、悩みは配列の重なりで判定する。
func (r *PostgresProductRepo) QueryActive(ctx context.Context, filter model.RecommendationFilter) ([]*model.Product, error) {
	query := `SELECT ` + productColumns + `
		 FROM products
		 WHERE is_active
		   AND ($1 = ANY(skin_types) OR 'all' = ANY(skin_types) OR concerns && $2)
		 ORDER BY rating_average DESC, seq ASC`
	args := []any{string(filter.SkinType), pq.Array(concernStrings(filter.Concerns))}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("推奨商品の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectProducts(rows)
}

// Search は検索条件に一致する有効な商品を1ページ分取得する。
func (r *PostgresProductRepo) Search(ctx context.Context, q model.ProductQuery) ([]*model.Product, int, error) {
	where, args := productSearchWhere(q)

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM products WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("商品件数の取得に失敗しました: %w", err)
	}

	n := len(args)
	args = append(args, q.Limit, q.Offset())
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT `+productColumns+`
		 FROM products
		 WHERE %s
		 ORDER BY rating_average DESC, seq ASC
		 LIMIT $%d OFFSET $%d`, where, n+1, n+2),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("商品一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	products, err := collectProducts(rows)
	if err != nil {
		return nil, 0, err
	}
	return products, total, nil
}

// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
func (r *PostgresProductRepo) FindByID(ctx context.Context, id string) (*model.Product, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`,
		id,
	)
	p, err := scanProductRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("商品の取得に失敗しました: %w", err)
	}
	return p, nil
}

// productSearchWhere は検索条件からWHERE句と引数を組み立てる。
func productSearchWhere(q model.ProductQuery) (string, []any) {
	conds := []string{"is_active"}
	var args []any

	if q.Category != "" {
		args = append(args, string(q.Category))
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	if q.SkinType != "" {
		args = append(args, string(q.SkinType))
		conds = append(conds, fmt.Sprintf("($%d = ANY(skin_types) OR 'all' = ANY(skin_types))", len(args)))
	}
	if q.Concern != "" {
		args = append(args, string(q.Concern))
		conds = append(conds, fmt.Sprintf("$%d = ANY(concerns)", len(args)))
	}
	return strings.Join(conds, " AND "), args
}

func collectProducts(rows *sql.Rows) ([]*model.Product, error) {
	var products []*model.Product
	for rows.Next() {
		p, err := scanProductRow(rows)
		if err != nil {
			return nil, fmt.Errorf("商品行のスキャンに失敗しました: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("商品行の走査に失敗しました: %w", err)
	}
	return products, nil
}

func scanProductRow(row rowScanner) (*model.Product, error) {
	p := &model.Product{}
	var (
		ingredients         []byte
		skinTypes, concerns pq.StringArray
		category            string
	)

	err := row.Scan(
		&p.ID, &p.Name, &p.Brand, &category, &p.Description, &ingredients,
		&skinTypes, &concerns, &p.Price.Amount, &p.Price.Currency,
		&p.Rating.Average, &p.Rating.Count, &p.IsActive, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Category = model.Category(category)
	if len(ingredients) > 0 {
		if err := json.Unmarshal(ingredients, &p.Ingredients); err != nil {
			return nil, fmt.Errorf("成分情報のデコードに失敗しました: %w", err)
		}
	}
	p.SkinTypes = make([]model.SkinType, len(skinTypes))
	for i, s := range skinTypes {
		p.SkinTypes[i] = model.SkinType(s)
	}
	p.Concerns = make([]model.ConcernType, len(concerns))
	for i, c := range concerns {
		p.Concerns[i] = model.ConcernType(c)
	}
	return p, nil
}

func concernStrings(concerns []model.ConcernType) []string {
	out := make([]string, len(concerns))
	for i, c := range concerns {
		out[i] = string(c)
	}
	return out
}
