// Package xnattest provides an in-memory XNAT REST server for unit tests.
// It implements the slice of the API the harness uses, with the same JSON
// envelopes XNAT returns.
package xnattest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Default credentials accepted by the server.
const (
	Username = "admin"
	Password = "admin"
)

// Plugin is a plugin entry served from /xapi/plugins.
type Plugin struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

type scan struct {
	id      string
	xsiType string
	fields  map[string]string
	files   map[string][]byte
}

type experiment struct {
	id      string
	label   string
	xsiType string
	scans   []*scan
}

type subject struct {
	id          string
	label       string
	experiments []*experiment
}

type project struct {
	id       string
	subjects []*subject
}

// Server is a fake XNAT. The zero value is not usable; call NewServer.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	projects []*project
	plugins  map[string]Plugin
	elements map[string][]string
	nextID   int
	sessions int

	unavailable atomic.Int32
}

// NewServer starts a fake XNAT with no projects, no plugins and no search
// elements. Close it with Close.
func NewServer() *Server {
	s := &Server{
		plugins:  map[string]Plugin{},
		elements: map[string][]string{},
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

// SetUnavailable makes the next n requests fail with 503, as XNAT does
// while its webapp starts.
func (s *Server) SetUnavailable(n int) {
	s.unavailable.Store(int32(n))
}

// AddPlugin registers an installed plugin.
func (s *Server) AddPlugin(p Plugin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plugins[p.ID] = p
}

// AddElement registers a search element and its field ids.
func (s *Server) AddElement(name string, fieldIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements[name] = fieldIDs
}

// AddProject creates a project.
func (s *Server) AddProject(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureProject(id)
}

// OpenSessions is the number of JSESSIONs created and not yet deleted.
func (s *Server) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// SubjectCount returns the number of subjects in project.
func (s *Server) SubjectCount(projectID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.findProject(projectID); p != nil {
		return len(p.subjects)
	}
	return 0
}

// ScanFields returns a copy of the stored data fields of a scan, keyed
// relative to the scan's xsi type.
func (s *Server) ScanFields(experimentID, scanID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.findScan(experimentID, scanID)
	if sc == nil {
		return nil
	}
	out := make(map[string]string, len(sc.fields))
	for k, v := range sc.fields {
		out[k] = v
	}
	return out
}

// ScanFile returns the content of an uploaded scan file.
func (s *Server) ScanFile(experimentID, scanID, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.findScan(experimentID, scanID)
	if sc == nil {
		return nil, false
	}
	data, ok := sc.files[name]
	return data, ok
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /data/JSESSION", s.openSession)
	mux.HandleFunc("DELETE /data/JSESSION", s.closeSession)
	mux.HandleFunc("GET /data/projects", s.listProjects)
	mux.HandleFunc("PUT /data/archive/projects/{project}", s.putProject)
	mux.HandleFunc("GET /data/projects/{project}/subjects", s.listSubjects)
	mux.HandleFunc("PUT /data/projects/{project}/subjects/{subject}", s.putSubject)
	mux.HandleFunc("DELETE /data/projects/{project}/subjects/{subject}", s.deleteSubject)
	mux.HandleFunc("GET /data/projects/{project}/subjects/{subject}/experiments", s.listExperiments)
	mux.HandleFunc("PUT /data/projects/{project}/subjects/{subject}/experiments/{experiment}", s.putExperiment)
	mux.HandleFunc("DELETE /data/experiments/{experiment}", s.deleteExperiment)
	mux.HandleFunc("GET /data/experiments/{experiment}/scans", s.listScans)
	mux.HandleFunc("GET /data/experiments/{experiment}/scans/{scan}", s.getScan)
	mux.HandleFunc("PUT /data/experiments/{experiment}/scans/{scan}", s.putScan)
	mux.HandleFunc("PUT /data/experiments/{experiment}/scans/{scan}/resources/{resource}/files/{file}", s.putScanFile)
	mux.HandleFunc("GET /xapi/plugins", s.listPlugins)
	mux.HandleFunc("GET /xapi/plugins/{plugin}", s.getPlugin)
	mux.HandleFunc("GET /data/search/elements", s.listElements)
	mux.HandleFunc("GET /data/search/elements/{element}", s.getElement)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.unavailable.Load() > 0 {
			s.unavailable.Add(-1)
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != Username || pass != Password {
			http.Error(w, "Login attempt failed", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) openSession(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.sessions++
	id := fmt.Sprintf("SESSION%04d", s.sessions)
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: id, Path: "/"})
	_, _ = io.WriteString(w, id)
}

func (s *Server) closeSession(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	if s.sessions > 0 {
		s.sessions--
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) listProjects(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	rows := make([]map[string]any, 0, len(s.projects))
	for _, p := range s.projects {
		rows = append(rows, map[string]any{"ID": p.id, "name": p.id, "secondary_ID": p.id})
	}
	s.mu.Unlock()
	writeResultSet(w, rows)
}

func (s *Server) putProject(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.ensureProject(r.PathValue("project"))
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) listSubjects(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findProject(r.PathValue("project"))
	if p == nil {
		http.NotFound(w, r)
		return
	}
	rows := make([]map[string]any, 0, len(p.subjects))
	for _, sub := range p.subjects {
		rows = append(rows, map[string]any{"ID": sub.id, "label": sub.label, "project": p.id})
	}
	writeResultSet(w, rows)
}

func (s *Server) putSubject(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findProject(r.PathValue("project"))
	if p == nil {
		http.NotFound(w, r)
		return
	}
	sub := findSubject(p, r.PathValue("subject"))
	if sub == nil {
		sub = &subject{id: s.newID("S"), label: r.PathValue("subject")}
		p.subjects = append(p.subjects, sub)
		w.WriteHeader(http.StatusCreated)
	}
	_, _ = io.WriteString(w, sub.id)
}

func (s *Server) deleteSubject(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findProject(r.PathValue("project"))
	if p == nil {
		http.NotFound(w, r)
		return
	}
	sub := findSubject(p, r.PathValue("subject"))
	if sub == nil {
		http.NotFound(w, r)
		return
	}
	p.subjects = removeItem(p.subjects, sub)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) listExperiments(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findProject(r.PathValue("project"))
	if p == nil {
		http.NotFound(w, r)
		return
	}
	sub := findSubject(p, r.PathValue("subject"))
	if sub == nil {
		http.NotFound(w, r)
		return
	}
	rows := make([]map[string]any, 0, len(sub.experiments))
	for _, e := range sub.experiments {
		rows = append(rows, map[string]any{"ID": e.id, "label": e.label, "project": p.id, "xsiType": e.xsiType})
	}
	writeResultSet(w, rows)
}

func (s *Server) putExperiment(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findProject(r.PathValue("project"))
	if p == nil {
		http.NotFound(w, r)
		return
	}
	sub := findSubject(p, r.PathValue("subject"))
	if sub == nil {
		http.NotFound(w, r)
		return
	}
	label := r.PathValue("experiment")
	for _, e := range sub.experiments {
		if e.label == label || e.id == label {
			_, _ = io.WriteString(w, e.id)
			return
		}
	}
	e := &experiment{id: s.newID("E"), label: label, xsiType: r.URL.Query().Get("xsiType")}
	sub.experiments = append(sub.experiments, e)
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, e.id)
}

func (s *Server) deleteExperiment(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("experiment")
	for _, p := range s.projects {
		for _, sub := range p.subjects {
			for _, e := range sub.experiments {
				if e.id == id {
					sub.experiments = removeItem(sub.experiments, e)
					w.WriteHeader(http.StatusOK)
					return
				}
			}
		}
	}
	http.NotFound(w, r)
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findExperiment(r.PathValue("experiment"))
	if e == nil {
		http.NotFound(w, r)
		return
	}
	rows := make([]map[string]any, 0, len(e.scans))
	for _, sc := range e.scans {
		rows = append(rows, map[string]any{"ID": sc.id, "type": sc.fields["type"], "xsiType": sc.xsiType})
	}
	writeResultSet(w, rows)
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.findScan(r.PathValue("experiment"), r.PathValue("scan"))
	if sc == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{"items": []any{renderItem(sc.fields)}})
}

func (s *Server) putScan(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findExperiment(r.PathValue("experiment"))
	if e == nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	id := r.PathValue("scan")
	sc := findScanIn(e, id)
	if sc == nil {
		xsiType := q.Get("xsiType")
		if xsiType == "" {
			http.Error(w, "xsiType is required", http.StatusBadRequest)
			return
		}
		sc = &scan{id: id, xsiType: xsiType, fields: map[string]string{}, files: map[string][]byte{}}
		e.scans = append(e.scans, sc)
	}
	prefix := sc.xsiType + "/"
	for k, v := range q {
		if strings.HasPrefix(k, prefix) && len(v) > 0 {
			sc.fields[strings.TrimPrefix(k, prefix)] = v[0]
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) putScanFile(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.findScan(r.PathValue("experiment"), r.PathValue("scan"))
	if sc == nil {
		http.NotFound(w, r)
		return
	}
	sc.files[r.PathValue("file")] = data
	w.WriteHeader(http.StatusOK)
}

func (s *Server) listPlugins(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, s.plugins)
}

func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plugins[r.PathValue("plugin")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, p)
}

func (s *Server) listElements(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	names := make([]string, 0, len(s.elements))
	for name := range s.elements {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	rows := make([]map[string]any, 0, len(names))
	for _, name := range names {
		rows = append(rows, map[string]any{"ELEMENT_NAME": name, "SINGULAR": name})
	}
	writeResultSet(w, rows)
}

// getElement accepts the element's full name or its local part, as XNAT
// does.
func (s *Server) getElement(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := r.PathValue("element")
	for name, fields := range s.elements {
		if name != want && name[strings.Index(name, ":")+1:] != want {
			continue
		}
		rows := make([]map[string]any, 0, len(fields))
		for _, f := range fields {
			rows = append(rows, map[string]any{"FIELD_ID": f, "HEADER": f})
		}
		writeResultSet(w, rows)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) ensureProject(id string) {
	if s.findProject(id) == nil {
		s.projects = append(s.projects, &project{id: id})
	}
}

func (s *Server) findProject(id string) *project {
	for _, p := range s.projects {
		if p.id == id {
			return p
		}
	}
	return nil
}

func (s *Server) findExperiment(id string) *experiment {
	for _, p := range s.projects {
		for _, sub := range p.subjects {
			for _, e := range sub.experiments {
				if e.id == id || e.label == id {
					return e
				}
			}
		}
	}
	return nil
}

func (s *Server) findScan(experimentID, scanID string) *scan {
	e := s.findExperiment(experimentID)
	if e == nil {
		return nil
	}
	return findScanIn(e, scanID)
}

func (s *Server) newID(kind string) string {
	s.nextID++
	return fmt.Sprintf("XNAT_%s%05d", kind, s.nextID)
}

func findSubject(p *project, idOrLabel string) *subject {
	for _, sub := range p.subjects {
		if sub.id == idOrLabel || sub.label == idOrLabel {
			return sub
		}
	}
	return nil
}

func findScanIn(e *experiment, id string) *scan {
	for _, sc := range e.scans {
		if sc.id == id {
			return sc
		}
	}
	return nil
}

func removeItem[T comparable](items []T, item T) []T {
	out := items[:0]
	for _, it := range items {
		if it != item {
			out = append(out, it)
		}
	}
	return out
}

// renderItem nests path-like field keys the way XNAT renders complex
// elements: direct fields in data_fields, the rest as children grouped by
// their first path segment. Numeric values are rendered as numbers.
func renderItem(fields map[string]string) map[string]any {
	data := map[string]any{}
	nested := map[string]map[string]string{}
	for k, v := range fields {
		head, rest, ok := strings.Cut(k, "/")
		if !ok {
			data[k] = typed(v)
			continue
		}
		if nested[head] == nil {
			nested[head] = map[string]string{}
		}
		nested[head][rest] = v
	}

	heads := make([]string, 0, len(nested))
	for h := range nested {
		heads = append(heads, h)
	}
	sort.Strings(heads)

	children := make([]any, 0, len(heads))
	for _, h := range heads {
		children = append(children, map[string]any{
			"field": h,
			"items": []any{renderItem(nested[h])},
		})
	}
	return map[string]any{"data_fields": data, "children": children}
}

var numeric = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

func typed(v string) any {
	if numeric.MatchString(v) {
		return json.Number(v)
	}
	return v
}

func writeResultSet(w http.ResponseWriter, rows []map[string]any) {
	writeJSON(w, map[string]any{
		"ResultSet": map[string]any{
			"Result":       rows,
			"totalRecords": strconv.Itoa(len(rows)),
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
