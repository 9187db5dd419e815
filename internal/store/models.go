package store

import "time"

type User struct {
	ID          int64
	DisplayName string
	AvatarURL   string
	Bio         string
	CreatedAt   time.Time
}

type Den struct {
	ID          int64
	Title       string
	Description string
	ImageURL    string
	CreatorID   int64
	CreatorName string
	CreatedAt   time.Time
	PostCount   int
}

type Post struct {
	ID           int64
	DenID        int64
	DenTitle     string
	DenCreatorID int64
	AuthorID     int64
	AuthorName   string
	Title        string
	Body         string
	CreatedAt    time.Time
	Score        int
	CommentCount int
	ImageURLs    []string
}

type Comment struct {
	ID         int64
	PostID     int64
	PostTitle  string
	DenID      int64
	DenTitle   string
	ParentID   *int64
	AuthorID   int64
	AuthorName string
	Body       string
	ReplyCount int
	Score      int
	CreatedAt  time.Time
}

type TargetKind string

const (
	TargetPost    TargetKind = "post"
	TargetComment TargetKind = "comment"
)

// Page bounds a newest-first listing.
type Page struct {
	Limit  int
	Offset int
}

// DeleteResult lists what a cascading delete removed, so callers can clean
// up search documents and blobs that live outside the database.
type DeleteResult struct {
	CommentIDs []int64
	ImageURLs  []string
}
