package objectstore

import (
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// BuildKey returns {vehicle}/{YYYY-MM-DD}/{tag}/{filename}. The date is the
// UTC upload date. Every segment is NFC-normalized so the same name written
// by different tools maps to one key.
func BuildKey(vehicle string, uploadedAt time.Time, tag, filename string) string {
	return path.Join(
		segment(vehicle),
		uploadedAt.UTC().Format("2006-01-02"),
		segment(tag),
		segment(filepath.Base(filename)),
	)
}

// CollisionKey derives an alternate key for content whose natural key is
// taken by a different object: the first 12 hex digits of the content hash
// are inserted before the extension ("can.log.1" becomes "can-<hash>.log.1").
func CollisionKey(key, hash string) string {
	suffix := hash
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	dir, name := path.Split(key)
	stem, ext := name, ""
	// A leading dot belongs to the stem.
	if i := strings.Index(name[min(1, len(name)):], "."); i >= 0 {
		cut := i + min(1, len(name))
		stem, ext = name[:cut], name[cut:]
	}
	return dir + stem + "-" + suffix + ext
}

func segment(value string) string {
	value = norm.NFC.String(strings.TrimSpace(value))
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "\\", "_")
	if value == "" || value == "." || value == ".." {
		return "_"
	}
	return value
}
