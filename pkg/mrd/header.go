// Package mrd reads MRD/ISMRMRD file headers and the plugin's XML schema,
// producing keys in the same shape XNAT uses for mrd:mrdScanData fields.
package mrd

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/txn2/xnat-mrd/pkg/metadata"
)

// ScanDataPrefix prefixes header keys that map onto mrd:mrdScanData fields.
const ScanDataPrefix = "mrd:mrdScanData/"

// DefaultGroup is the HDF5 group of a single-dataset MRD file.
const DefaultGroup = "dataset"

// execCommandContext is a variable to allow mocking in tests.
var execCommandContext = exec.CommandContext

// ErrNoHeader is returned when the header dataset holds no XML.
var ErrNoHeader = errors.New("no xml header found")

// HeaderReader extracts the XML header of an MRD file.
type HeaderReader struct {
	// H5Dump is the h5dump executable, "h5dump" when empty.
	H5Dump string
}

// Read returns the flattened header of the dataset in group. Files with an
// ".xml" extension are read directly as a header document.
func (r HeaderReader) Read(ctx context.Context, path, group string) (metadata.Record, error) {
	data, err := r.ReadXML(ctx, path, group)
	if err != nil {
		return nil, err
	}
	rec, err := FlattenHeader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing header of %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

// ReadXML returns the raw XML header stored at /<group>/xml. h5dump writes
// the string dataset in binary form to a scratch file, so the bytes come back
// unescaped and unwrapped.
func (r HeaderReader) ReadXML(ctx context.Context, path, group string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".xml") {
		// #nosec G304 -- path points at a fetched dataset
		return os.ReadFile(path)
	}
	if group == "" {
		group = DefaultGroup
	}
	dataset := "/" + group + "/xml"

	bin := r.H5Dump
	if bin == "" {
		bin = "h5dump"
	}

	scratch, err := os.CreateTemp("", "mrd-header-*.bin")
	if err != nil {
		return nil, fmt.Errorf("creating dump file: %w", err)
	}
	out := scratch.Name()
	_ = scratch.Close()
	defer func() { _ = os.Remove(out) }()

	cmd := execCommandContext(ctx, bin, "-d", dataset, "-b", "NATIVE", "-o", out, path)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("running %s on %s: %w: %s", bin, filepath.Base(path), err, strings.TrimSpace(stderr.String()))
	}

	// #nosec G304 -- scratch file created above
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("reading dump of %s: %w", dataset, err)
	}
	data = bytes.TrimRight(data, "\x00")
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%s %s: %w", filepath.Base(path), dataset, ErrNoHeader)
	}
	return data, nil
}

// FlattenHeader turns an ISMRMRD XML header into a record keyed by
// "mrd:mrdScanData/<element path>" (the root element is dropped). Only leaf
// elements are recorded; for repeated elements the first value wins.
func FlattenHeader(r io.Reader) (metadata.Record, error) {
	dec := xml.NewDecoder(r)
	rec := metadata.Record{}

	type frame struct {
		name        string
		text        strings.Builder
		hasChildren bool
	}
	var stack []*frame

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) > 0 {
				stack[len(stack)-1].hasChildren = true
			}
			stack = append(stack, &frame{name: t.Name.Local})
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			top := stack[len(stack)-1]
			if !top.hasChildren && len(stack) > 1 {
				names := make([]string, 0, len(stack)-1)
				for _, f := range stack[1:] {
					names = append(names, f.name)
				}
				key := ScanDataPrefix + strings.Join(names, "/")
				if _, seen := rec[key]; !seen {
					rec[key] = strings.TrimSpace(top.text.String())
				}
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(rec) == 0 {
		return nil, ErrNoHeader
	}
	return rec, nil
}

// ScanFields converts header keys into scan data-field keys, dropping
// entries that do not map onto mrd:mrdScanData or have no value.
func ScanFields(header metadata.Record) metadata.Record {
	return header.WithPrefix(ScanDataPrefix)
}
