//go:build integration

package helpers

import (
	"context"
	"testing"

	"github.com/txn2/xnat-mrd/pkg/dataset"
	"github.com/txn2/xnat-mrd/pkg/harness"
	"github.com/txn2/xnat-mrd/pkg/metadata"
	"github.com/txn2/xnat-mrd/pkg/mrd"
	"github.com/txn2/xnat-mrd/pkg/xnat"
)

// Session returns the harness session or fails the test.
func Session(t *testing.T, h *harness.Harness) *xnat.Session {
	t.Helper()
	s, err := h.Session()
	if err != nil {
		t.Fatalf("xnat session: %v", err)
	}
	return s
}

// UseProject makes sure the test project exists and removes all uploaded
// data when the test ends.
func UseProject(ctx context.Context, t *testing.T, h *harness.Harness) {
	t.Helper()
	if err := h.EnsureProject(ctx); err != nil {
		t.Fatalf("creating project: %v", err)
	}
	t.Cleanup(func() {
		if err := h.RemoveTestData(context.Background()); err != nil {
			t.Errorf("removing test data: %v", err)
		}
	})
}

// Upload uploads ref into the test project and returns the archive entries
// with the header that was sent.
func Upload(ctx context.Context, t *testing.T, h *harness.Harness, ref dataset.Reference) (xnat.Upload, metadata.Record) {
	t.Helper()
	up, header, err := h.Upload(ctx, ref)
	if err != nil {
		t.Fatalf("uploading %s: %v", ref.Name, err)
	}
	return up, header
}

// ScanData reads the stored data fields of an uploaded scan.
func ScanData(ctx context.Context, t *testing.T, h *harness.Harness, up xnat.Upload) metadata.Record {
	t.Helper()
	data, err := Session(t, h).ScanData(ctx, up.Experiment, up.Scan)
	if err != nil {
		t.Fatalf("reading scan data: %v", err)
	}
	return data
}

// AssertScanMatchesHeader checks that every non-empty scan field of header
// is stored on the scan with the same value.
func AssertScanMatchesHeader(t *testing.T, header, scan metadata.Record) {
	t.Helper()
	for _, m := range metadata.Diff(mrd.ScanFields(header), scan) {
		t.Errorf("scan field mismatch: %s", m)
	}
}
