package store

import (
	"mime"
	"path"
	"strings"
)

// defaultContentType is served when the object name gives no usable hint.
const defaultContentType = "application/octet-stream"

// knownTypes covers extensions that minimal container images often lack in
// their system MIME tables. mime.TypeByExtension is consulted first.
var knownTypes = map[string]string{
	".txt":  "text/plain; charset=utf-8",
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".json": "application/json",
	".csv":  "text/csv; charset=utf-8",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// ContentType infers the MIME type of an object from its key's extension.
func ContentType(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ext == "" {
		return defaultContentType
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	if t, ok := knownTypes[ext]; ok {
		return t
	}
	return defaultContentType
}
