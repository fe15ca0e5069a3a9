// Package types holds the persistent record shapes and queue event payloads
// shared across the repositories, consumers and scheduler.
package types

import "time"

// FileRecord is the database pointer for one stored artifact. ObjectKey is
// mutated exactly once, by the persist operation, when the object moves
// from the staging prefix to the loaded prefix.
type FileRecord struct {
	FileID                    string
	Filename                  string
	ContentType               string
	Bucket                    string
	ObjectKey                 string
	RetrievalKeyHash          string
	RetrievalKeyCaseSensitive bool
	FormID                    string
	CreatedAt                 time.Time
}

// FileDescriptor describes an object already present in storage that is
// being placed under lifecycle management.
type FileDescriptor struct {
	FileID      string `json:"fileId"`
	Bucket      string `json:"bucket"`
	ObjectKey   string `json:"objectKey"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	FormID      string `json:"formId,omitempty"`
}

// PersistItem names one file in a persist batch together with the retrieval
// key it was ingested under.
type PersistItem struct {
	FileID                string `json:"fileId"`
	InitiatedRetrievalKey string `json:"initiatedRetrievalKey"`
}
