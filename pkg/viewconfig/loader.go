package viewconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ethpandaops/matview/pkg/blobstore"
	"github.com/ethpandaops/matview/pkg/viewid"
	"gopkg.in/yaml.v3"
)

// Source is everything needed to render one view.
type Source struct {
	ID     string
	Query  string
	Config *QueryConfig
}

// Loader reads configuration documents and queries from the blob store.
type Loader struct {
	store blobstore.Store
}

// NewLoader creates a loader over store.
func NewLoader(store blobstore.Store) *Loader {
	return &Loader{store: store}
}

// Defaults loads a dataset defaults document. A missing document is
// reported as blobstore.ErrNotFound.
func (l *Loader) Defaults(ctx context.Context, dataset string) (*DatasetDefaults, error) {
	var doc DatasetDefaults
	if err := l.decode(ctx, DefaultsBlob(dataset), &doc); err != nil {
		return nil, err
	}

	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid defaults for dataset %s: %w", dataset, err)
	}

	return &doc, nil
}

// Override loads a view override document, nil when the view has none.
func (l *Loader) Override(ctx context.Context, id string) (*ViewOverride, error) {
	dataset, view, err := viewid.Parse(id)
	if err != nil {
		return nil, err
	}

	var doc ViewOverride
	if err := l.decode(ctx, OverrideBlob(dataset, view), &doc); err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid override for view %s: %w", id, err)
	}

	return &doc, nil
}

// Query loads the SQL template of a view.
func (l *Loader) Query(ctx context.Context, id string) (string, error) {
	dataset, view, err := viewid.Parse(id)
	if err != nil {
		return "", err
	}

	data, err := l.store.Get(ctx, QueryBlob(dataset, view))
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// Source loads the query and merged configuration of a view.
func (l *Loader) Source(ctx context.Context, id string) (*Source, error) {
	query, err := l.Query(ctx, id)
	if err != nil {
		return nil, err
	}

	dataset, _, err := viewid.Parse(id)
	if err != nil {
		return nil, err
	}

	defaults, err := l.Defaults(ctx, dataset)
	if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return nil, err
	}

	override, err := l.Override(ctx, id)
	if err != nil {
		return nil, err
	}

	cfg, err := Merge(defaults, override)
	if err != nil {
		return nil, err
	}

	return &Source{ID: id, Query: query, Config: cfg}, nil
}

func (l *Loader) decode(ctx context.Context, name string, out any) error {
	data, err := l.store.Get(ctx, name)
	if err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}

	return nil
}
