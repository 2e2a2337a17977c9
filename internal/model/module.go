package model

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"
)

var (
	versionPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	namePattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// Module is the latest stored version of a named piece of user code.
type Module struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ModuleVersion is one entry of a module's save history.
type ModuleVersion struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// LoadEvent is emitted every time code is saved under a module name.
type LoadEvent struct {
	Name    string    `json:"name"`
	Version string    `json:"version"`
	At      time.Time `json:"at"`
}

// ValidVersion reports whether v has the shape of a content version:
// 64 lowercase hex characters.
func ValidVersion(v string) bool {
	return versionPattern.MatchString(v)
}

// ValidName reports whether name can address a module: it becomes the
// first path segment of every request routed to the module.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// ContentVersion returns the version identifier of content: the lowercase
// hex SHA-256 digest of its bytes.
func ContentVersion(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
