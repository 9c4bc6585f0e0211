package blobs

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// ParseLocation splits a location into a reader and the key it serves. Supported
// forms are gs://bucket/key, http(s)://host/dir/key and local file paths.
func ParseLocation(location string) (BlobReader, BlobInfo, error) {
	switch {
	case strings.HasPrefix(location, "gs://"):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(location, "gs://"), "/")
		if !ok || bucket == "" || key == "" {
			return nil, BlobInfo{}, fmt.Errorf("invalid GCS location %q, expected gs://bucket/key", location)
		}
		return &GCSBlobstore{Bucket: bucket}, BlobInfo{Key: key}, nil

	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		u, err := url.Parse(location)
		if err != nil {
			return nil, BlobInfo{}, fmt.Errorf("parsing url %q: %w", location, err)
		}
		dir, key := path.Split(u.Path)
		if key == "" {
			return nil, BlobInfo{}, fmt.Errorf("url %q does not name a blob", location)
		}
		base := *u
		base.Path = dir
		base.RawPath = ""
		return &HTTPBlobReader{BaseURL: &base}, BlobInfo{Key: key}, nil

	default:
		if location == "" {
			return nil, BlobInfo{}, fmt.Errorf("empty location")
		}
		dir, key := filepath.Split(filepath.Clean(location))
		if dir == "" {
			dir = "."
		}
		return &FileBlobstore{Dir: dir}, BlobInfo{Key: key}, nil
	}
}
