package viewconfig

import (
	"path"
	"strings"

	"github.com/ethpandaops/matview/pkg/viewid"
)

// DefaultsName is the reserved file name of a dataset defaults document.
const DefaultsName = "defaults"

// Kind classifies a blob by its role.
type Kind int

const (
	// KindUnknown blobs are ignored
	KindUnknown Kind = iota
	// KindDefaults is <dataset>/defaults.yaml
	KindDefaults
	// KindViewConfig is <dataset>/<view>.yaml
	KindViewConfig
	// KindQuery is <dataset>/<view>.sql
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindDefaults:
		return "defaults"
	case KindViewConfig:
		return "view_config"
	case KindQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Ref identifies what a blob configures.
type Ref struct {
	Kind    Kind
	Dataset string
	// View is empty for defaults documents
	View string
}

// ViewID returns the ID of the configured view, "" for defaults.
func (r Ref) ViewID() string {
	if r.View == "" {
		return ""
	}

	return viewid.Format(r.Dataset, r.View)
}

// Classify maps a blob name to its role. Names outside the
// <dataset>/<file> layout are KindUnknown.
func Classify(name string) Ref {
	parts := strings.Split(name, "/")
	if len(parts) != 2 || parts[0] == "" || strings.Contains(parts[0], ".") {
		return Ref{}
	}

	dataset, file := parts[0], parts[1]
	ext := path.Ext(file)
	base := strings.TrimSuffix(file, ext)

	if base == "" || strings.Contains(base, ".") {
		return Ref{}
	}

	switch ext {
	case ".yaml", ".yml":
		if base == DefaultsName {
			return Ref{Kind: KindDefaults, Dataset: dataset}
		}

		return Ref{Kind: KindViewConfig, Dataset: dataset, View: base}
	case ".sql":
		if base == DefaultsName {
			return Ref{}
		}

		return Ref{Kind: KindQuery, Dataset: dataset, View: base}
	default:
		return Ref{}
	}
}

// DefaultsBlob returns the blob name of a dataset defaults document.
func DefaultsBlob(dataset string) string {
	return dataset + "/" + DefaultsName + ".yaml"
}

// OverrideBlob returns the blob name of a view override document.
func OverrideBlob(dataset, view string) string {
	return dataset + "/" + view + ".yaml"
}

// QueryBlob returns the blob name of a view's SQL.
func QueryBlob(dataset, view string) string {
	return dataset + "/" + view + ".sql"
}
