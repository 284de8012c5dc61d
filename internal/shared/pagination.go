package shared

import (
	"math"
	"net/url"
	"strconv"
)

// MaxPerPage caps page size for list endpoints.
const MaxPerPage = 100

// PageRequest is the page a caller asked for.
type PageRequest struct {
	Page    int
	PerPage int
}

// ParsePageRequest reads ?page and ?per_page, clamping bad values.
func ParsePageRequest(q url.Values) PageRequest {
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	return PageRequest{Page: page, PerPage: perPage}.normalize()
}

func (p PageRequest) normalize() PageRequest {
	if p.PerPage <= 0 {
		p.PerPage = 20
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	if p.Page <= 0 {
		p.Page = 1
	}
	return p
}

// Limit is the SQL LIMIT for the page.
func (p PageRequest) Limit() int {
	return p.normalize().PerPage
}

// Offset is the SQL OFFSET for the page.
func (p PageRequest) Offset() int {
	n := p.normalize()
	return (n.Page - 1) * n.PerPage
}

// Pagination contains metadata for paginated listings.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewPagination computes pagination metadata.
func NewPagination(page, perPage, total int) Pagination {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	totalPages := int(math.Ceil(float64(total) / float64(perPage)))
	return Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages}
}
