package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

// Params holds 1-based page pagination extracted from a request.
type Params struct {
	Page  int
	Limit int
}

// FromContext reads ?page and ?limit, falling back to defaults for missing
// or non-positive values and capping limit at MaxLimit.
func FromContext(c echo.Context) Params {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	return New(page, limit)
}

// New normalises raw page and limit values.
func New(page, limit int) Params {
	if page <= 0 {
		page = DefaultPage
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return Params{Page: page, Limit: limit}
}

// Offset returns the number of items before the current page.
func (p Params) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Meta describes a page within a result set.
type Meta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

func NewMeta(p Params, total int) Meta {
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Meta{Page: p.Page, Limit: p.Limit, Total: total, TotalPages: pages}
}

// HasNext returns true if there are more results after the current page.
func (m Meta) HasNext() bool {
	return m.Page < m.TotalPages
}
