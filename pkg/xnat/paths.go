package xnat

import (
	"fmt"

	"github.com/yosida95/uritemplate/v3"
)

const (
	pathJSession = "/data/JSESSION"
	pathProjects = "/data/projects"
	pathPlugins  = "/xapi/plugins"
	pathElements = "/data/search/elements"
)

// REST resources with variable segments. Simple expansion percent-encodes
// labels, so a label can never escape its segment.
var (
	tmplProject      = uritemplate.MustNew("/data/archive/projects/{project}")
	tmplSubjects     = uritemplate.MustNew("/data/projects/{project}/subjects")
	tmplSubject      = uritemplate.MustNew("/data/projects/{project}/subjects/{subject}")
	tmplExperiments  = uritemplate.MustNew("/data/projects/{project}/subjects/{subject}/experiments")
	tmplExperiment   = uritemplate.MustNew("/data/projects/{project}/subjects/{subject}/experiments/{experiment}")
	tmplExperimentID = uritemplate.MustNew("/data/experiments/{experiment}")
	tmplScans        = uritemplate.MustNew("/data/experiments/{experiment}/scans")
	tmplScan         = uritemplate.MustNew("/data/experiments/{experiment}/scans/{scan}")
	tmplScanFile     = uritemplate.MustNew("/data/experiments/{experiment}/scans/{scan}/resources/{resource}/files/{file}")
	tmplPlugin       = uritemplate.MustNew("/xapi/plugins/{plugin}")
	tmplElement      = uritemplate.MustNew("/data/search/elements/{element}")
)

// expand fills tmpl from name/value pairs.
func expand(tmpl *uritemplate.Template, pairs ...string) (string, error) {
	if len(pairs)%2 != 0 {
		return "", fmt.Errorf("expanding %s: odd number of arguments", tmpl.Raw())
	}
	values := uritemplate.Values{}
	for i := 0; i < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return "", fmt.Errorf("expanding %s: %s is empty", tmpl.Raw(), pairs[i])
		}
		values.Set(pairs[i], uritemplate.String(pairs[i+1]))
	}
	p, err := tmpl.Expand(values)
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", tmpl.Raw(), err)
	}
	return p, nil
}
