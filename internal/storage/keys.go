package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
)

const (
	OriginalsPrefix = "originals/"
	ProcessedPrefix = "processed/"
)

// OriginalKey is where an upload's source file lives.
func OriginalKey(videoID, ext string) string {
	if ext == "" {
		ext = ".mp4"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return OriginalsPrefix + videoID + strings.ToLower(ext)
}

func ProcessedKey(videoID string) string {
	return ProcessedPrefix + videoID + "_final.mp4"
}

// ResolveSource returns key when it exists. Otherwise it looks for any
// original stored under the video id with a different extension.
func ResolveSource(ctx context.Context, s Storage, key, videoID string) (string, error) {
	if key != "" {
		ok, err := s.Exists(ctx, key)
		if err != nil {
			return "", err
		}
		if ok {
			return key, nil
		}
	}

	keys, err := s.List(ctx, OriginalsPrefix+videoID)
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		base := path.Base(k)
		if strings.TrimSuffix(base, path.Ext(base)) == videoID {
			return k, nil
		}
	}
	return "", fmt.Errorf("source for video %s: %w", videoID, ErrNotFound)
}

// ValidateKey rejects keys that are empty, absolute or that climb out of
// their prefix.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
