// Package detector finds the view definition blobs that changed since the
// last update pass.
package detector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethpandaops/matview/pkg/blobstore"
	"github.com/ethpandaops/matview/pkg/registry"
	"github.com/ethpandaops/matview/pkg/viewconfig"
	"github.com/sirupsen/logrus"
)

// Change is one added, modified or deleted blob.
type Change struct {
	Name    string
	Updated time.Time
	viewconfig.Ref
}

// Changes groups the detected changes, each sorted by name.
type Changes struct {
	Modified []Change
	Deleted  []Change
}

// Empty reports whether nothing changed.
func (c *Changes) Empty() bool {
	return len(c.Modified) == 0 && len(c.Deleted) == 0
}

// Detector diffs the blob listing against the listing cached in the registry.
type Detector struct {
	log    logrus.FieldLogger
	store  blobstore.Store
	reader registry.Reader
	prefix string
}

// New creates a detector for blobs under prefix.
func New(log logrus.FieldLogger, store blobstore.Store, reader registry.Reader, prefix string) *Detector {
	return &Detector{
		log:    log.WithField("component", "detector"),
		store:  store,
		reader: reader,
		prefix: prefix,
	}
}

// Detect lists the blobs and returns the changes since the cached listing
// together with the new listing. The caller persists the listing once the
// changes are applied.
//
// A blob is modified when its update time is after the cached cursor or when
// the cached listing did not contain it. A blob is deleted when the cached
// listing contained it and the new one does not.
func (d *Detector) Detect(ctx context.Context) (*Changes, *registry.Listing, error) {
	objects, err := d.store.List(ctx, d.prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list blobs: %w", err)
	}

	previous, err := d.reader.Listing(ctx)
	if err != nil {
		return nil, nil, err
	}

	next := &registry.Listing{Objects: make(map[string]time.Time, len(objects))}
	changes := &Changes{}

	if previous != nil {
		next.Cursor = previous.Cursor
	}

	for _, obj := range objects {
		ref := viewconfig.Classify(obj.Name)
		if ref.Kind == viewconfig.KindUnknown {
			d.log.WithField("blob", obj.Name).Debug("Ignoring unrecognised blob")

			continue
		}

		next.Objects[obj.Name] = obj.Updated

		if obj.Updated.After(next.Cursor) {
			next.Cursor = obj.Updated
		}

		if previous != nil {
			_, known := previous.Objects[obj.Name]
			if known && !obj.Updated.After(previous.Cursor) {
				continue
			}
		}

		changes.Modified = append(changes.Modified, Change{Name: obj.Name, Updated: obj.Updated, Ref: ref})
	}

	if previous != nil {
		for name, updated := range previous.Objects {
			if _, ok := next.Objects[name]; ok {
				continue
			}

			changes.Deleted = append(changes.Deleted, Change{Name: name, Updated: updated, Ref: viewconfig.Classify(name)})
		}
	}

	sort.Slice(changes.Modified, func(i, j int) bool { return changes.Modified[i].Name < changes.Modified[j].Name })
	sort.Slice(changes.Deleted, func(i, j int) bool { return changes.Deleted[i].Name < changes.Deleted[j].Name })

	d.log.WithFields(logrus.Fields{
		"blobs":    len(next.Objects),
		"modified": len(changes.Modified),
		"deleted":  len(changes.Deleted),
		"cursor":   next.Cursor,
	}).Debug("Detected blob changes")

	return changes, next, nil
}
