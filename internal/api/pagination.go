package api

import (
	"net/http"
	"strconv"
)

// PaginationParams holds parsed pagination values from query params.
type PaginationParams struct {
	Page   int
	Limit  int
	Offset int
}

// ParsePagination extracts page and limit from query params with defaults.
// maxLimit caps the limit to keep digest queries bounded.
func ParsePagination(r *http.Request, defaultLimit, maxLimit int) PaginationParams {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return PaginationParams{Page: page, Limit: limit, Offset: (page - 1) * limit}
}

// PageResponse wraps list data with the page cursor. HasMore is inferred
// from a full page; there is no total count query on the hot path.
type PageResponse struct {
	Data    interface{} `json:"data"`
	Page    int         `json:"page"`
	Limit   int         `json:"limit"`
	HasMore bool        `json:"has_more"`
}

// NewPageResponse builds a PageResponse from data and params.
func NewPageResponse(data interface{}, params PaginationParams, pageLen int) PageResponse {
	return PageResponse{
		Data:    data,
		Page:    params.Page,
		Limit:   params.Limit,
		HasMore: pageLen == params.Limit,
	}
}
