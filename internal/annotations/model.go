package annotations

import (
	"strings"
	"time"
)

// GuestAuthor is the display name recorded when the author is anonymous.
const GuestAuthor = "Guest Reviewer"

// DocumentKey identifies a shared document by its owner and document id.
type DocumentKey struct {
	OwnerID    string `json:"owner_id"`
	DocumentID string `json:"document_id"`
}

func (k DocumentKey) String() string {
	return k.OwnerID + "/" + k.DocumentID
}

// Valid reports whether both parts of the key are present.
func (k DocumentKey) Valid() bool {
	return strings.TrimSpace(k.OwnerID) != "" && strings.TrimSpace(k.DocumentID) != ""
}

// Record is one immutable annotation save. The record with the greatest
// CreatedAtMillis (then id) is the active overlay of its document.
type Record struct {
	ID              string             `gorm:"column:id;primaryKey;size:64" json:"id"`
	OwnerID         string             `gorm:"column:owner_id;size:190;not null;index:idx_annotation_records_document,priority:1" json:"owner_id"`
	DocumentID      string             `gorm:"column:document_id;size:190;not null;index:idx_annotation_records_document,priority:2" json:"document_id"`
	ImageURL        string             `gorm:"column:image_url;size:1024;not null" json:"image_url"`
	Author          string             `gorm:"column:author;size:320;not null" json:"author"`
	AuthorID        string             `gorm:"column:author_id;size:190" json:"author_id,omitempty"`
	CreatedAtMillis int64              `gorm:"column:created_at_ms;not null;index:idx_annotation_records_document,priority:3" json:"created_at_ms"`
	Objects         []ObjectProjection `gorm:"foreignKey:RecordID;references:ID" json:"objects"`
}

// TableName exposes the table backing annotation records.
func (Record) TableName() string {
	return "annotation_records"
}

func (r Record) Key() DocumentKey {
	return DocumentKey{OwnerID: r.OwnerID, DocumentID: r.DocumentID}
}

func (r Record) CreatedAt() time.Time {
	return time.UnixMilli(r.CreatedAtMillis).UTC()
}

// NewerThan reports whether r supersedes other under last-write-wins.
func (r Record) NewerThan(other Record) bool {
	if r.CreatedAtMillis != other.CreatedAtMillis {
		return r.CreatedAtMillis > other.CreatedAtMillis
	}
	return r.ID > other.ID
}

// ObjectProjection is the flat, queryable view of one scene object. Payload
// holds the complete serialized object.
type ObjectProjection struct {
	RecordID string   `gorm:"column:record_id;primaryKey;size:64" json:"-"`
	Position int      `gorm:"column:position;primaryKey;autoIncrement:false" json:"-"`
	ObjectID string   `gorm:"column:object_id;size:64;not null" json:"id"`
	Type     string   `gorm:"column:type;size:16;not null" json:"type"`
	Left     float64  `gorm:"column:left_px;not null" json:"left"`
	Top      float64  `gorm:"column:top_px;not null" json:"top"`
	Width    *float64 `gorm:"column:width_px" json:"width,omitempty"`
	Height   *float64 `gorm:"column:height_px" json:"height,omitempty"`
	Fill     *string  `gorm:"column:fill;size:32" json:"fill,omitempty"`
	Stroke   *string  `gorm:"column:stroke;size:32" json:"stroke,omitempty"`
	Payload  string   `gorm:"column:payload;type:text;not null" json:"payload"`
}

// TableName exposes the table backing projected annotation objects.
func (ObjectProjection) TableName() string {
	return "annotation_objects"
}

// Comment is an append-only review comment.
type Comment struct {
	ID              string  `gorm:"column:id;primaryKey;size:64" json:"id"`
	OwnerID         string  `gorm:"column:owner_id;size:190;not null;index:idx_review_comments_document,priority:1" json:"owner_id"`
	DocumentID      string  `gorm:"column:document_id;size:190;not null;index:idx_review_comments_document,priority:2" json:"document_id"`
	Text            string  `gorm:"column:text;type:text;not null" json:"text"`
	Author          string  `gorm:"column:author;size:320;not null" json:"author"`
	UserID          *string `gorm:"column:user_id;size:190" json:"user_id,omitempty"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null;index:idx_review_comments_document,priority:3" json:"created_at_ms"`
}

// TableName exposes the table backing review comments.
func (Comment) TableName() string {
	return "review_comments"
}

func (c Comment) Key() DocumentKey {
	return DocumentKey{OwnerID: c.OwnerID, DocumentID: c.DocumentID}
}

func (c Comment) CreatedAt() time.Time {
	return time.UnixMilli(c.CreatedAtMillis).UTC()
}

// AuthoredBy reports whether the comment belongs to the given user.
func (c Comment) AuthoredBy(userID string) bool {
	return userID != "" && c.UserID != nil && *c.UserID == userID
}

// NewerThan orders comments newest first, ties broken by id.
func (c Comment) NewerThan(other Comment) bool {
	if c.CreatedAtMillis != other.CreatedAtMillis {
		return c.CreatedAtMillis > other.CreatedAtMillis
	}
	return c.ID > other.ID
}

// Models lists the gorm models owned by this package.
func Models() []interface{} {
	return []interface{}{&Record{}, &ObjectProjection{}, &Comment{}}
}
