package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDen     ResultType = "den"
	ResultPost    ResultType = "post"
	ResultComment ResultType = "comment"
)

func ParseResultType(value string) (ResultType, bool) {
	switch ResultType(value) {
	case "":
		return "", true
	case ResultDen, ResultPost, ResultComment:
		return ResultType(value), true
	default:
		return "", false
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      int64      `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	PostID  int64      `json:"postId,omitempty"`
	DenID   int64      `json:"denId"`
}

// Query describes a search request.
type Query struct {
	Text        string
	FilterType  ResultType // empty = all types
	FilterDenID int64
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

type DenRecord struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type PostRecord struct {
	ID    int64  `json:"id"`
	DenID int64  `json:"denId"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

type CommentRecord struct {
	ID        int64  `json:"id"`
	PostID    int64  `json:"postId"`
	DenID     int64  `json:"denId"`
	PostTitle string `json:"postTitle"`
	Body      string `json:"body"`
}
