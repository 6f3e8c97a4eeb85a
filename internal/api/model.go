package api

import (
	"net/http"
	"strconv"

	"github.com/luminbank/consent-engine/internal/page"
	"github.com/luminbank/consent-engine/internal/timex"
)

type ContextKey string

const (
	CtxKeyClientID      ContextKey = "client_id"
	CtxKeySubject       ContextKey = "subject"
	CtxKeyScopes        ContextKey = "scopes"
	CtxKeyInteractionID ContextKey = "interaction_id"
)

const (
	HeaderXFAPIInteractionID = "X-FAPI-Interaction-ID"
	HeaderClientID           = "X-Client-ID"
	HeaderSubject            = "X-Subject"
	HeaderScopes             = "X-Scopes"
)

const maxPageSize = 25

type Meta struct {
	TotalRecords    *int           `json:"totalRecords,omitempty"`
	TotalPages      *int           `json:"totalPages,omitempty"`
	RequestDateTime timex.DateTime `json:"requestDateTime"`
}

func NewMeta() Meta {
	return Meta{RequestDateTime: timex.DateTimeNow()}
}

func NewPageMeta[T any](p page.Page[T]) Meta {
	meta := NewMeta()
	meta.TotalRecords = &p.TotalRecords
	meta.TotalPages = &p.TotalPages
	return meta
}

type Links struct {
	Self  string `json:"self"`
	First string `json:"first,omitempty"`
	Prev  string `json:"prev,omitempty"`
	Next  string `json:"next,omitempty"`
	Last  string `json:"last,omitempty"`
}

// NewPagination extracts the page and page-size query parameters, defaulting
// to the first page capped at the max page size.
func NewPagination(r *http.Request) (page.Pagination, error) {
	pageNumber := 1
	pageSize := maxPageSize

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil || p < 1 {
			return page.Pagination{}, NewError("INVALID_PARAMETER", http.StatusUnprocessableEntity, "invalid page number")
		}
		pageNumber = p
	}

	if pageSizeStr := r.URL.Query().Get("page-size"); pageSizeStr != "" {
		ps, err := strconv.Atoi(pageSizeStr)
		if err != nil || ps < 1 || ps > 1000 {
			return page.Pagination{}, NewError("INVALID_PARAMETER", http.StatusUnprocessableEntity, "invalid page size")
		}
		pageSize = ps
	}

	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	return page.NewPagination(pageNumber, pageSize), nil
}
