// Package modules persists user code as content-addressed, immutable
// versions and keeps a mutable pointer from each module name to its latest
// version.
package modules

import (
	"context"
	"errors"

	"github.com/seantiz/anvil/internal/model"
)

// ErrNotFound is returned when a module name or version is not stored.
var ErrNotFound = errors.New("module not found")

// Store defines the module persistence operations.
type Store interface {
	// Save stores content under name and returns its version. Saving the
	// same bytes again yields the same version.
	Save(ctx context.Context, name string, content []byte) (string, error)
	LookupVersion(ctx context.Context, name string) (string, error)
	LoadByVersion(ctx context.Context, version string) ([]byte, error)
	LoadByName(ctx context.Context, name string) ([]byte, error)
	// Has reports whether name resolves to a version whose content exists.
	Has(ctx context.Context, name string) (bool, error)
	// ContentPath returns the on-disk location of a version's content.
	ContentPath(version string) (string, error)
	List(ctx context.Context) ([]model.Module, error)
	Versions(ctx context.Context, name string) ([]model.ModuleVersion, error)
	Close() error
}

// Version returns the version identifier of content.
func Version(content []byte) string {
	return model.ContentVersion(content)
}
