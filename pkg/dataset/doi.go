package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDOI is returned for DOIs that do not address a Zenodo record.
var ErrInvalidDOI = errors.New("invalid zenodo doi")

const zenodoPrefix = "10.5281/zenodo."

// RecordID extracts the Zenodo record id from a DOI. Both "doi:10.5281/..."
// and bare "10.5281/..." forms are accepted.
func RecordID(doi string) (string, error) {
	s := strings.TrimSpace(doi)
	s = strings.TrimPrefix(s, "doi:")
	s = strings.TrimPrefix(s, "https://doi.org/")
	if !strings.HasPrefix(s, zenodoPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDOI, doi)
	}
	id := strings.TrimPrefix(s, zenodoPrefix)
	if id == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidDOI, doi)
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidDOI, doi)
		}
	}
	return id, nil
}
