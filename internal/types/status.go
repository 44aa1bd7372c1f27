package types

// Status is a type for the lifecycle status of a resource row in the database.
// This is used to determine if a row should be included in queries.
// Any changes to this type should be reflected in the database schema by running migrations
type Status string

const (
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
	StatusDeleted   Status = "deleted"
)

func (s Status) String() string {
	return string(s)
}
