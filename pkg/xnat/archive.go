package xnat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/txn2/xnat-mrd/pkg/metadata"
)

// Project is an XNAT project.
type Project struct {
	ID   string
	Name string
}

// Subject is a subject within a project.
type Subject struct {
	ID      string
	Label   string
	Project string
}

// Experiment is an imaging session within a subject.
type Experiment struct {
	ID      string
	Label   string
	Project string
	XSIType string
}

// Scan is a scan within an experiment.
type Scan struct {
	ID      string
	Type    string
	XSIType string
}

// Projects lists the projects visible to the session user.
func (s *Session) Projects(ctx context.Context) ([]Project, error) {
	rows, err := s.rows(ctx, pathProjects, nil)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	out := make([]Project, 0, len(rows))
	for _, r := range rows {
		out = append(out, Project{ID: r["ID"], Name: r["name"]})
	}
	return out, nil
}

// HasProject reports whether a project with the given id exists.
func (s *Session) HasProject(ctx context.Context, id string) (bool, error) {
	projects, err := s.Projects(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range projects {
		if p.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// CreateProject creates a project. XNAT treats a PUT of an existing project
// as a no-op.
func (s *Session) CreateProject(ctx context.Context, id string) error {
	p, err := expand(tmplProject, "project", id)
	if err != nil {
		return err
	}
	if _, err := s.send(ctx, http.MethodPut, p, nil, nil, ""); err != nil {
		return fmt.Errorf("creating project %s: %w", id, err)
	}
	slog.Info("created xnat project", "project", id)
	return nil
}

// Subjects lists the subjects of a project.
func (s *Session) Subjects(ctx context.Context, project string) ([]Subject, error) {
	p, err := expand(tmplSubjects, "project", project)
	if err != nil {
		return nil, err
	}
	rows, err := s.rows(ctx, p, url.Values{"columns": {"ID,label,project"}})
	if err != nil {
		return nil, fmt.Errorf("listing subjects of %s: %w", project, err)
	}
	out := make([]Subject, 0, len(rows))
	for _, r := range rows {
		out = append(out, Subject{ID: r["ID"], Label: r["label"], Project: r["project"]})
	}
	return out, nil
}

// DeleteSubject removes a subject, its experiments and their files.
func (s *Session) DeleteSubject(ctx context.Context, project, subject string) error {
	p, err := expand(tmplSubject, "project", project, "subject", subject)
	if err != nil {
		return err
	}
	if _, err := s.send(ctx, http.MethodDelete, p, removeFiles(), nil, ""); err != nil {
		return fmt.Errorf("deleting subject %s/%s: %w", project, subject, err)
	}
	slog.Debug("deleted xnat subject", "project", project, "subject", subject)
	return nil
}

// Experiments lists the experiments of a subject.
func (s *Session) Experiments(ctx context.Context, project, subject string) ([]Experiment, error) {
	p, err := expand(tmplExperiments, "project", project, "subject", subject)
	if err != nil {
		return nil, err
	}
	rows, err := s.rows(ctx, p, nil)
	if err != nil {
		return nil, fmt.Errorf("listing experiments of %s/%s: %w", project, subject, err)
	}
	out := make([]Experiment, 0, len(rows))
	for _, r := range rows {
		out = append(out, Experiment{
			ID:      r["ID"],
			Label:   r["label"],
			Project: r["project"],
			XSIType: r["xsiType"],
		})
	}
	return out, nil
}

// DeleteExperiment removes an experiment by its accession id, with its
// scans and files.
func (s *Session) DeleteExperiment(ctx context.Context, id string) error {
	p, err := expand(tmplExperimentID, "experiment", id)
	if err != nil {
		return err
	}
	if _, err := s.send(ctx, http.MethodDelete, p, removeFiles(), nil, ""); err != nil {
		return fmt.Errorf("deleting experiment %s: %w", id, err)
	}
	slog.Debug("deleted xnat experiment", "experiment", id)
	return nil
}

// Scans lists the scans of an experiment.
func (s *Session) Scans(ctx context.Context, experiment string) ([]Scan, error) {
	p, err := expand(tmplScans, "experiment", experiment)
	if err != nil {
		return nil, err
	}
	rows, err := s.rows(ctx, p, nil)
	if err != nil {
		return nil, fmt.Errorf("listing scans of %s: %w", experiment, err)
	}
	out := make([]Scan, 0, len(rows))
	for _, r := range rows {
		out = append(out, Scan{ID: r["ID"], Type: r["type"], XSIType: r["xsiType"]})
	}
	return out, nil
}

// scanItem is one entry of a scan's JSON rendering. Nested complex elements
// appear as children, each holding items of their own.
type scanItem struct {
	DataFields map[string]any `json:"data_fields"`
	Children   []struct {
		Field string     `json:"field"`
		Items []scanItem `json:"items"`
	} `json:"children"`
}

// ScanData returns the data fields stored on a scan, flattened to
// path-like keys such as "encoding/encodedSpace/matrixSize/x".
func (s *Session) ScanData(ctx context.Context, experiment, scan string) (metadata.Record, error) {
	p, err := expand(tmplScan, "experiment", experiment, "scan", scan)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Items []scanItem `json:"items"`
	}
	if err := s.getJSON(ctx, p, nil, &doc); err != nil {
		return nil, fmt.Errorf("reading scan %s/%s: %w", experiment, scan, err)
	}
	if len(doc.Items) == 0 {
		return nil, fmt.Errorf("reading scan %s/%s: empty response", experiment, scan)
	}

	rec := metadata.Record{}
	flattenItem(rec, "", doc.Items[0])
	return rec, nil
}

func flattenItem(rec metadata.Record, prefix string, item scanItem) {
	for k, v := range item.DataFields {
		key := prefix + k
		if _, dup := rec[key]; !dup {
			rec.Set(key, scalar(v))
		}
	}
	for _, child := range item.Children {
		if len(child.Items) == 0 {
			continue
		}
		flattenItem(rec, prefix+strings.TrimSuffix(child.Field, "/")+"/", child.Items[0])
	}
}

// SetScanField writes one data field on a scan of the given xsi type. key
// is relative to the type, e.g. "encoding/encodedSpace/matrixSize/x".
func (s *Session) SetScanField(ctx context.Context, experiment, scan, xsiType, key, value string) error {
	p, err := expand(tmplScan, "experiment", experiment, "scan", scan)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("xsiType", xsiType)
	q.Set(xsiType+"/"+key, value)
	if _, err := s.send(ctx, http.MethodPut, p, q, nil, ""); err != nil {
		return fmt.Errorf("setting %s on scan %s/%s: %w", key, experiment, scan, err)
	}
	return nil
}

// DeleteAllData removes every subject of every project.
func (s *Session) DeleteAllData(ctx context.Context) error {
	projects, err := s.Projects(ctx)
	if err != nil {
		return err
	}
	for _, project := range projects {
		subjects, err := s.Subjects(ctx, project.ID)
		if err != nil {
			return err
		}
		for _, subject := range subjects {
			if err := s.DeleteSubject(ctx, project.ID, subject.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func removeFiles() url.Values {
	return url.Values{"removeFiles": {"true"}}
}
