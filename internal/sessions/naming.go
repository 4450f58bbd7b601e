package sessions

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"session-store/internal/shared/storage/object"
)

// ArtifactName is the fixed leaf segment every session archive is stored under.
const ArtifactName = "session.tar.gz"

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,199}$`)

// ObjectKeyFor returns the storage key of a session's archive.
func ObjectKeyFor(sessionID string) string {
	return sessionID + "/" + ArtifactName
}

// SessionIDFromObjectKey recovers the session id from a storage key. Keys
// without a separator, or with an empty first segment, do not belong to a
// session.
func SessionIDFromObjectKey(key string) (string, bool) {
	id, _, found := strings.Cut(key, "/")
	if !found || id == "" {
		return "", false
	}
	return id, true
}

// ValidateSessionID rejects ids that could not round-trip through
// ObjectKeyFor and SessionIDFromObjectKey.
func ValidateSessionID(sessionID string) error {
	if !sessionIDPattern.MatchString(sessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	return nil
}

// ToRecord maps backend object info to a session record.
func ToRecord(sessionID string, info object.ObjectInfo) Record {
	modified := info.LastModified.UTC()
	if info.LastModified.IsZero() {
		modified = time.Now().UTC()
	}
	rec := Record{
		SessionID:    sessionID,
		CreatedAt:    modified,
		LastModified: modified,
	}
	if info.Size >= 0 {
		size := info.Size
		rec.Size = &size
	}
	return rec
}
