package models

import "time"

// Project is a workspace owned by a single user.
type Project struct {
	ID          string    `db:"id" json:"id"`
	OwnerID     string    `db:"owner_id" json:"ownerId"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// ProjectRequest is the create/update payload for projects.
type ProjectRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Description string `json:"description" validate:"max=2000"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

// ProjectFilter captures listing options for projects.
type ProjectFilter struct {
	OwnerID  string
	Search   string
	Page     int
	PageSize int
}

// Listing bounds applied to every project query.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	MaxPage         = 10000
)

// Normalized returns a copy of f with page and page size clamped to the
// supported range.
func (f ProjectFilter) Normalized() ProjectFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.PageSize <= 0 || f.PageSize > MaxPageSize {
		f.PageSize = DefaultPageSize
	}
	return f
}
