package services

import (
	"math"
	"strconv"
)

// PageInfo describes one page of a listing.
type PageInfo struct {
	Page        int  `json:"page"`
	Size        int  `json:"size"`
	TotalItems  int  `json:"totalItems"`
	TotalPages  int  `json:"totalPages"`
	HasNext     bool `json:"hasNext"`
	HasPrevious bool `json:"hasPrevious"`
}

// PageParams selects a slice of a listing, either by page/size or by
// offset/limit. Unset fields are empty strings.
type PageParams struct {
	Page   string
	Size   string
	Offset string
	Limit  string
}

// ResolveSliceBounds turns query parameters into offset and limit. offset/limit
// wins over page/size when either is present. Invalid values fall back to
// the first page of defaultSize, and limit never exceeds maxSize.
func ResolveSliceBounds(p PageParams, defaultSize, maxSize int) (offset, limit int) {
	limit = defaultSize

	if p.Offset != "" || p.Limit != "" {
		if n, err := strconv.Atoi(p.Offset); err == nil && n >= 0 {
			offset = n
		}
		if n, err := strconv.Atoi(p.Limit); err == nil && n > 0 {
			limit = n
		}
	} else {
		page := 1
		if n, err := strconv.Atoi(p.Page); err == nil && n >= 1 {
			page = n
		}
		if n, err := strconv.Atoi(p.Size); err == nil && n > 0 {
			limit = n
		}
		limit = clampLimit(limit, maxSize)
		offset = (page - 1) * limit
	}

	return offset, clampLimit(limit, maxSize)
}

func clampLimit(limit, maxSize int) int {
	if maxSize > 0 && limit > maxSize {
		limit = maxSize
	}
	if limit <= 0 {
		limit = 10
	}
	return limit
}

// Paginate returns items[offset:offset+limit], clamped, and the page envelope.
func Paginate[T any](items []T, offset, limit int) ([]T, PageInfo) {
	if limit <= 0 {
		limit = 10
	}
	total := len(items)

	offset = min(max(offset, 0), total)
	end := min(offset+limit, total)

	totalPages := int(math.Ceil(float64(total) / float64(limit)))
	if totalPages == 0 {
		totalPages = 1
	}

	return items[offset:end], PageInfo{
		Page:        offset/limit + 1,
		Size:        limit,
		TotalItems:  total,
		TotalPages:  totalPages,
		HasNext:     end < total,
		HasPrevious: offset > 0,
	}
}
