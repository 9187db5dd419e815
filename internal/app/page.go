package app

import "dissden/api/internal/store"

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type PageInput struct {
	Limit  int
	Offset int
}

func (in PageInput) page() (store.Page, error) {
	limit := in.Limit
	if limit == 0 {
		limit = defaultPageLimit
	}
	if limit < 0 || limit > maxPageLimit {
		return store.Page{}, errValidation("limit must be between 1 and 200")
	}
	if in.Offset < 0 {
		return store.Page{}, errValidation("offset must not be negative")
	}
	return store.Page{Limit: limit, Offset: in.Offset}, nil
}
