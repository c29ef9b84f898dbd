// Package viewid formats and parses managed view identifiers ("dataset.view").
package viewid

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidViewID is returned when a view ID is not in the expected format.
var ErrInvalidViewID = errors.New("invalid view ID format, expected dataset.view")

// Format joins a dataset and view name into a view ID.
func Format(dataset, view string) string {
	return fmt.Sprintf("%s.%s", dataset, view)
}

// Parse splits a view ID into dataset and view components.
func Parse(id string) (dataset, view string, err error) {
	parts := strings.Split(id, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidViewID, id)
	}

	return parts[0], parts[1], nil
}

// Dataset returns the dataset component of id, or "" when id is malformed.
func Dataset(id string) string {
	dataset, _, err := Parse(id)
	if err != nil {
		return ""
	}

	return dataset
}
