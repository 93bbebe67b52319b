// Package filemeta defines the file metadata record shared by the object
// store, the metadata store and the cache, plus the search filter applied to it.
package filemeta

import (
	"errors"
	"strings"
)

// ErrNoExtension is returned by SplitName when the name has no extension part.
var ErrNoExtension = errors.New("file name has no extension")

// Record is the metadata stored for one uploaded file.
// FileSize is expressed in kilobytes (bytes / 1024).
type Record struct {
	FileName      string  `json:"fileName"`
	FileExtension string  `json:"fileExtension"`
	FileSize      float64 `json:"fileSize"`
}

// ObjectKey returns the object-store key that holds the record's bytes.
func (r Record) ObjectKey() string {
	return ObjectKey(r.FileName, r.FileExtension)
}

// ObjectKey joins a name and extension into "{name}.{extension}".
func ObjectKey(name, extension string) string {
	return name + "." + extension
}

// SizeKB converts a byte count to the kilobyte figure stored in Record.FileSize.
func SizeKB(n int64) float64 {
	return float64(n) / 1024
}

// SplitName splits an uploaded file name at its first dot:
// "report.tar.gz" becomes ("report", "tar.gz").
func SplitName(original string) (name, extension string, err error) {
	original = strings.TrimSpace(original)
	name, extension, _ = strings.Cut(original, ".")
	if name == "" {
		return "", "", errors.New("file name is empty")
	}
	if extension == "" {
		return name, "", ErrNoExtension
	}
	return name, extension, nil
}
