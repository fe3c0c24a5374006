// Package files stores message attachments by content hash and issues Bot API
// file ids for them.
package files

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"wxhelper/internal/domain"
)

const fileIDVersion byte = 1

var enc = base64.RawURLEncoding

// UniqueID is the file_unique_id of data: the unpadded base64url SHA-256.
func UniqueID(data []byte) string {
	sum := sha256.Sum256(data)
	return enc.EncodeToString(sum[:])
}

// NewFileID issues a fresh file_id for uniqueID. Each call returns a different id;
// all of them resolve back to the same uniqueID.
func NewFileID(uniqueID string, now time.Time) (string, error) {
	sum, err := enc.DecodeString(uniqueID)
	if err != nil || len(sum) != sha256.Size {
		return "", fmt.Errorf("%w: bad file_unique_id", domain.ErrInvalidParameter)
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("issue file id: %w", err)
	}
	buf := make([]byte, 0, 1+sha256.Size+len(id))
	buf = append(buf, fileIDVersion)
	buf = append(buf, sum...)
	buf = append(buf, id[:]...)
	return enc.EncodeToString(buf), nil
}

// ParseFileID returns the file_unique_id a file_id (or a file_unique_id) refers to.
func ParseFileID(fileID string) (string, error) {
	raw, err := enc.DecodeString(fileID)
	if err != nil {
		return "", fmt.Errorf("%w: malformed file_id", domain.ErrInvalidParameter)
	}
	switch {
	case len(raw) == sha256.Size:
		return fileID, nil
	case len(raw) == 1+sha256.Size+16 && raw[0] == fileIDVersion:
		return enc.EncodeToString(raw[1 : 1+sha256.Size]), nil
	default:
		return "", fmt.Errorf("%w: malformed file_id", domain.ErrInvalidParameter)
	}
}

// IssuedAt returns the issuance time embedded in a file_id.
func IssuedAt(fileID string) (time.Time, bool) {
	raw, err := enc.DecodeString(fileID)
	if err != nil || len(raw) != 1+sha256.Size+16 {
		return time.Time{}, false
	}
	var id ulid.ULID
	copy(id[:], raw[1+sha256.Size:])
	return ulid.Time(id.Time()), true
}
