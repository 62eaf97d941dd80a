package xnat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/txn2/xnat-mrd/pkg/metadata"
)

const (
	// ScanDataType is the xsi type the MRD plugin registers for scans.
	ScanDataType = "mrd:mrdScanData"

	sessionDataType = "xnat:mrSessionData"
	resourceName    = "MRD"
	defaultScanID   = "1"
)

var labelUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Upload identifies the archive entries created for one MRD file.
type Upload struct {
	Project    string
	Subject    string
	Experiment string
	Scan       string
}

// UploadMRD archives one MRD file: a subject, an MR session holding a single
// mrdScanData scan whose data fields come from header, and the file itself
// as the scan's MRD resource. header keys are "mrd:mrdScanData/..." paths;
// other keys and empty values are ignored.
func (s *Session) UploadMRD(ctx context.Context, project, file string, header metadata.Record) (Upload, error) {
	f, err := os.Open(file) // #nosec G304 -- caller supplies a local dataset path
	if err != nil {
		return Upload{}, fmt.Errorf("opening mrd file: %w", err)
	}
	defer func() { _ = f.Close() }()

	up := Upload{
		Project: project,
		Subject: subjectLabel(file, header),
		Scan:    defaultScanID,
	}
	experimentLabel := fmt.Sprintf("%s_MR_%s", up.Subject, strings.ToUpper(uuid.NewString()[:8]))

	slog.Info("uploading mrd file",
		"file", filepath.Base(file),
		"project", project,
		"subject", up.Subject,
		"experiment", experimentLabel,
	)

	p, err := expand(tmplSubject, "project", project, "subject", up.Subject)
	if err != nil {
		return Upload{}, err
	}
	if _, err := s.send(ctx, http.MethodPut, p, nil, nil, ""); err != nil {
		return Upload{}, fmt.Errorf("creating subject %s: %w", up.Subject, err)
	}

	p, err = expand(tmplExperiment, "project", project, "subject", up.Subject, "experiment", experimentLabel)
	if err != nil {
		return Upload{}, err
	}
	body, err := s.send(ctx, http.MethodPut, p, url.Values{"xsiType": {sessionDataType}}, nil, "")
	if err != nil {
		return Upload{}, fmt.Errorf("creating experiment %s: %w", experimentLabel, err)
	}
	up.Experiment = strings.TrimSpace(string(body))
	if up.Experiment == "" {
		up.Experiment = experimentLabel
	}

	p, err = expand(tmplScan, "experiment", up.Experiment, "scan", up.Scan)
	if err != nil {
		return Upload{}, err
	}
	if _, err := s.send(ctx, http.MethodPut, p, scanQuery(header), nil, ""); err != nil {
		return Upload{}, fmt.Errorf("creating scan %s/%s: %w", up.Experiment, up.Scan, err)
	}

	p, err = expand(tmplScanFile,
		"experiment", up.Experiment,
		"scan", up.Scan,
		"resource", resourceName,
		"file", filepath.Base(file),
	)
	if err != nil {
		return Upload{}, err
	}
	q := url.Values{"inbody": {"true"}, "format": {resourceName}, "content": {"RAW"}}
	if _, err := s.send(ctx, http.MethodPut, p, q, f, "application/octet-stream"); err != nil {
		return Upload{}, fmt.Errorf("uploading %s: %w", filepath.Base(file), err)
	}
	return up, nil
}

// scanQuery carries the scan's xsi type, its type label and every non-empty
// mrdScanData field.
func scanQuery(header metadata.Record) url.Values {
	q := url.Values{}
	q.Set("xsiType", ScanDataType)
	q.Set(ScanDataType+"/type", resourceName)
	fields := header.WithPrefix(ScanDataType + "/")
	for _, k := range fields.Keys() {
		q.Set(ScanDataType+"/"+k, fields[k])
	}
	return q
}

// subjectLabel prefers the patient id from the header and falls back to the
// file name.
func subjectLabel(file string, header metadata.Record) string {
	base := header[ScanDataType+"/subjectInformation/patientID"]
	if base == "" {
		base = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	label := strings.Trim(labelUnsafe.ReplaceAllString(base, "_"), "_")
	if label == "" {
		label = "mrd_subject"
	}
	return label
}
