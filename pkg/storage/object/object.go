// Package object holds the types shared by the blob backends.
package object

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("object not found")

// Info describes a stored blob.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// JoinURL joins a public base URL and an object key.
func JoinURL(base, key string) string {
	if base == "" {
		return "/" + strings.TrimLeft(key, "/")
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
