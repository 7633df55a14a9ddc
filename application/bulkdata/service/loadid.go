package service

import (
	"crypto/md5"
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	loadIDDateFormat = "20060102_150405Z"
	loadIDUnknown    = "?"
	fileKeySample    = 1024
	randomKeyLength  = 30
)

// peeker is the part of the upload cache the file key is derived from.
type peeker interface {
	Peek(n int) ([]byte, error)
}

// FileKey names an upload for its load ID.
//
// Returns:
//   - The multipart file name when present
//   - Otherwise the base64 MD5 of the first 1KB of content
//   - Otherwise a random key for empty or unreadable uploads
func FileKey(fileName string, src peeker) string {
	if name := strings.TrimSpace(fileName); name != "" {
		return name
	}
	if src != nil {
		if prefix, err := src.Peek(fileKeySample); err == nil && len(prefix) > 0 {
			sum := md5.Sum(prefix)
			return base64.StdEncoding.EncodeToString(sum[:])
		}
	}
	return randomKey()
}

// FormatLoadID builds fileKey_fileDate_now with both dates in UTC. An unknown
// file date is written as "?".
func FormatLoadID(fileKey string, fileDate, now time.Time) string {
	date := loadIDUnknown
	if !fileDate.IsZero() {
		date = fileDate.UTC().Format(loadIDDateFormat)
	}
	return fileKey + "_" + date + "_" + now.UTC().Format(loadIDDateFormat)
}

func randomKey() string {
	key := strings.ReplaceAll(uuid.NewString(), "-", "")
	return key[:randomKeyLength]
}
