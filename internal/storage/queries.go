package storage

import (
	"context"
	"fmt"
	"strings"
)

// ArticleListParams controls pagination and filtering of mirrored articles.
type ArticleListParams struct {
	Page     int
	PageSize int
	Search   string
	Date     string
	Section  string
}

// ArticleRow is one mirrored article.
type ArticleRow struct {
	Date     string `json:"date"`
	Section  string `json:"section"`
	Position int    `json:"position"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Summary  string `json:"summary"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// ArticleListResult wraps rows with pagination metadata.
type ArticleListResult struct {
	Total    int64        `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	Items    []ArticleRow `json:"items"`
}

// ListArticles pages through mirrored articles, newest date first.
func (s *SQLWriter) ListArticles(ctx context.Context, params ArticleListParams) (ArticleListResult, error) {
	if s == nil || s.db == nil {
		return ArticleListResult{}, fmt.Errorf("sql store not initialised")
	}
	page := params.Page
	if page <= 0 {
		page = 1
	}
	pageSize := params.PageSize
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 20
	}

	var (
		clauses []string
		args    []any
	)
	if date := strings.TrimSpace(params.Date); date != "" {
		clauses = append(clauses, "archive_date = ?")
		args = append(args, date)
	}
	if section := strings.TrimSpace(params.Section); section != "" {
		clauses = append(clauses, "section = ?")
		args = append(args, section)
	}
	if search := strings.TrimSpace(params.Search); search != "" {
		pattern := "%" + strings.ToLower(search) + "%"
		clauses = append(clauses, "(LOWER(title) LIKE ? OR LOWER(summary) LIKE ?)")
		args = append(args, pattern, pattern)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	result := ArticleListResult{Page: page, PageSize: pageSize}
	countQuery := s.rebind(`SELECT COUNT(*) FROM archive_articles` + where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&result.Total); err != nil {
		return ArticleListResult{}, fmt.Errorf("count articles: %w", err)
	}

	listQuery := s.rebind(`
        SELECT archive_date, section, position, title, url, summary, image_url
        FROM archive_articles` + where + `
        ORDER BY archive_date DESC, section ASC, position ASC
        LIMIT ? OFFSET ?`)
	listArgs := append(append([]any(nil), args...), pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return ArticleListResult{}, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	items := make([]ArticleRow, 0, pageSize)
	for rows.Next() {
		var row ArticleRow
		if err := rows.Scan(&row.Date, &row.Section, &row.Position, &row.Title, &row.URL, &row.Summary, &row.ImageURL); err != nil {
			return ArticleListResult{}, fmt.Errorf("scan article: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return ArticleListResult{}, err
	}
	result.Items = items
	return result, nil
}
