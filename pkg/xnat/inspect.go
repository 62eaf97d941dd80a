package xnat

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// DataTypes lists the data type (element) names registered with the
// search engine, e.g. "mrd:mrdScanData".
func (s *Session) DataTypes(ctx context.Context) ([]string, error) {
	rows, err := s.rows(ctx, pathElements, nil)
	if err != nil {
		return nil, fmt.Errorf("listing data types: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if name := r["ELEMENT_NAME"]; name != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// DataFields lists the searchable fields of a data type as "<type>/<FIELD>".
// Generated sharing and parameterised fields are left out.
func (s *Session) DataFields(ctx context.Context, dataType string) ([]string, error) {
	p, err := expand(tmplElement, "element", dataType)
	if err != nil {
		return nil, err
	}
	rows, err := s.rows(ctx, p, nil)
	if err != nil {
		return nil, fmt.Errorf("listing fields of %s: %w", dataType, err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		id := r["FIELD_ID"]
		if id == "" || strings.Contains(id, "=") || strings.Contains(id, "SHARINGSHAREPROJECT") {
			continue
		}
		out = append(out, dataType+"/"+id)
	}
	sort.Strings(out)
	return out, nil
}
