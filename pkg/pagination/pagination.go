package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// Params holds the platform's page-based paging parameters. Page is 1-based.
type Params struct {
	Page     int
	PageSize int
	// Disabled mirrors paging=false: the whole collection is returned.
	Disabled bool
}

// FromContext extracts paging parameters from the echo context.
func FromContext(c echo.Context) Params {
	if c.QueryParam("paging") == "false" || c.QueryParam("skipPaging") == "true" {
		return Params{Page: 1, Disabled: true}
	}

	pageSize, _ := strconv.Atoi(c.QueryParam("pageSize"))
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page <= 0 {
		page = 1
	}

	return Params{Page: page, PageSize: pageSize}
}

// Query encodes the parameters as request query values.
func (p Params) Query() url.Values {
	q := url.Values{}
	if p.Disabled {
		q.Set("paging", "false")
		return q
	}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	if p.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(p.PageSize))
	}
	return q
}

// Offset returns the index of the first item on the page.
func (p Params) Offset() int {
	if p.Disabled || p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.PageSize
}

// Window returns the [start,end) slice bounds of the page within total items.
func (p Params) Window(total int) (int, int) {
	if p.Disabled {
		return 0, total
	}
	start := p.Offset()
	if start > total {
		start = total
	}
	end := start + p.PageSize
	if end > total {
		end = total
	}
	return start, end
}

// Pager is the paging block of a collection response.
type Pager struct {
	Page      int `json:"page"`
	PageCount int `json:"pageCount"`
	Total     int `json:"total"`
	PageSize  int `json:"pageSize"`
	// NextPage is the link to the following page, empty on the last one.
	NextPage string `json:"nextPage,omitempty"`
}

// NewPager describes the page p of a collection of total items.
func NewPager(p Params, total int) *Pager {
	if p.Disabled {
		return nil
	}
	pageCount := 0
	if p.PageSize > 0 {
		pageCount = (total + p.PageSize - 1) / p.PageSize
	}
	return &Pager{
		Page:      p.Page,
		PageCount: pageCount,
		Total:     total,
		PageSize:  p.PageSize,
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return !p.Disabled && p.Offset()+p.PageSize < total
}
