// Package archive defines the payload snapshot contract.
//
// The feed source archives each fetched rankings payload before parsing
// so a bad parse can be replayed against the exact bytes. Concrete
// providers live in subpackages: gcs, local, and memory. Noop is the
// default when archiving is disabled.
package archive

import (
	"context"
	"strings"
)

// Provider persists payload snapshots.
type Provider interface {
	// Save stores data under objectName and returns the object's URI.
	Save(ctx context.Context, objectName, contentType string, data []byte) (string, error)
}

// Noop discards all snapshots.
type Noop struct{}

// Save does nothing and returns an empty URI.
func (Noop) Save(context.Context, string, string, []byte) (string, error) {
	return "", nil
}

// Prefixed namespaces every object of an inner provider under a fixed
// prefix, so one bucket or directory can hold snapshots from several
// deployments.
type Prefixed struct {
	Inner  Provider
	Prefix string
}

// Save stores data under prefix/objectName.
func (p Prefixed) Save(ctx context.Context, objectName, contentType string, data []byte) (string, error) {
	name := objectName
	if p.Prefix != "" {
		name = strings.TrimRight(p.Prefix, "/") + "/" + strings.TrimLeft(objectName, "/")
	}
	return p.Inner.Save(ctx, name, contentType, data)
}
