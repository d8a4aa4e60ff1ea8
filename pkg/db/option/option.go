// Package option provides composable query options for the generic store.
package option

import (
	"strings"

	"github.com/smallbiznis/mercat/pkg/db/pagination"
	"github.com/smallbiznis/mercat/pkg/repository"
	"gorm.io/gorm"
)

// QuerySortBy restricts sortable columns to an allow-list.
type QuerySortBy struct {
	Field string
	Desc  bool
	Allow map[string]bool
}

// ApplyPagination applies cursor pagination, over-fetching one record so the
// caller can detect a next page.
func ApplyPagination(p pagination.Pagination) repository.Option {
	return func(query *gorm.DB) *gorm.DB {
		pageSize := p.PageSize
		if pageSize <= 0 {
			pageSize = 50
		}
		if token := strings.TrimSpace(p.PageToken); token != "" {
			cursor, err := pagination.DecodeCursor(token)
			if err == nil {
				query = query.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
			}
		}
		return query.Limit(pageSize + 1)
	}
}

// WithSortBy orders results by an allow-listed column, newest first by default.
func WithSortBy(sort QuerySortBy) repository.Option {
	return func(query *gorm.DB) *gorm.DB {
		field := strings.TrimSpace(sort.Field)
		if field == "" || (sort.Allow != nil && !sort.Allow[field]) {
			field = "created_at"
		}
		direction := "DESC"
		if !sort.Desc && field != "created_at" {
			direction = "ASC"
		}
		return query.Order(field + " " + direction + ", id DESC")
	}
}

// WithLimit caps the result set size.
func WithLimit(limit int) repository.Option {
	return func(query *gorm.DB) *gorm.DB {
		if limit > 0 {
			query = query.Limit(limit)
		}
		return query
	}
}
