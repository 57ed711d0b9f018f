package store

import "fmt"

// Blob ref conventions. Refs are relative paths under the blob root; every
// package that reads or writes blobs goes through these helpers so the
// layout stays in one place.

// SourceRef is the blob ref for an imported source file's raw bytes.
func SourceRef(sourceID string) string {
	return fmt.Sprintf("sources/%s", sourceID)
}

// PageImageRef is the blob ref for a rendered page image.
func PageImageRef(pageID string) string {
	return fmt.Sprintf("pages/%s.png", pageID)
}

// ThumbRef is the blob ref for a page thumbnail.
func ThumbRef(pageID string) string {
	return fmt.Sprintf("thumbs/%s.png", pageID)
}

// OutputRef is the blob ref for a generated artifact.
func OutputRef(pageID, ext string) string {
	return fmt.Sprintf("outputs/%s.%s", pageID, ext)
}
