package mrd

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// MaxFieldLength is the length XNAT truncates data-field ids to.
const MaxFieldLength = 75

// ScanDataType is the XNAT data type registered by the plugin.
const ScanDataType = "mrdScanData"

// XNATFields are fields XNAT adds to every scan data type in addition to the
// schema-defined ones.
var XNATFields = []string{
	ScanDataType + "/SESSION_LABEL",
	ScanDataType + "/SUBJECT_ID",
	ScanDataType + "/PROJECT",
	ScanDataType + "/ID",
}

type xsdSchema struct {
	Elements     []xsdElement     `xml:"element"`
	ComplexTypes []xsdComplexType `xml:"complexType"`
	SimpleTypes  []xsdSimpleType  `xml:"simpleType"`
}

type xsdElement struct {
	Name        string          `xml:"name,attr"`
	Type        string          `xml:"type,attr"`
	Ref         string          `xml:"ref,attr"`
	ComplexType *xsdComplexType `xml:"complexType"`
	SimpleType  *xsdSimpleType  `xml:"simpleType"`
}

type xsdSimpleType struct {
	Name string `xml:"name,attr"`
}

type xsdComplexType struct {
	Name           string         `xml:"name,attr"`
	Sequence       *xsdGroup      `xml:"sequence"`
	All            *xsdGroup      `xml:"all"`
	Choice         *xsdGroup      `xml:"choice"`
	ComplexContent *xsdDerivation `xml:"complexContent"`
}

type xsdDerivation struct {
	Extension   *xsdComplexType `xml:"extension"`
	Restriction *xsdComplexType `xml:"restriction"`
}

type xsdGroup struct {
	Elements  []xsdElement `xml:"element"`
	Sequences []xsdGroup   `xml:"sequence"`
	Choices   []xsdGroup   `xml:"choice"`
}

// elements returns the group's element particles in document order,
// flattening nested sequence/choice groups.
func (g *xsdGroup) elements() []xsdElement {
	if g == nil {
		return nil
	}
	out := append([]xsdElement(nil), g.Elements...)
	for i := range g.Sequences {
		out = append(out, g.Sequences[i].elements()...)
	}
	for i := range g.Choices {
		out = append(out, g.Choices[i].elements()...)
	}
	return out
}

func (c *xsdComplexType) elements() []xsdElement {
	if c == nil {
		return nil
	}
	var out []xsdElement
	out = append(out, c.Sequence.elements()...)
	out = append(out, c.All.elements()...)
	out = append(out, c.Choice.elements()...)
	if c.ComplexContent != nil {
		out = append(out, c.ComplexContent.Extension.elements()...)
		out = append(out, c.ComplexContent.Restriction.elements()...)
	}
	return out
}

type schemaIndex struct {
	elements map[string]*xsdElement
	complex  map[string]*xsdComplexType
	simple   map[string]bool
}

// SchemaFields parses the plugin schema and returns the XNAT data-field id of
// every leaf element below the mrdScanData root, in document order. Leaves
// are elements with a simple type or no type at all (anyType). Ids longer
// than MaxFieldLength are truncated as XNAT does.
func SchemaFields(r io.Reader) ([]string, error) {
	var schema xsdSchema
	if err := xml.NewDecoder(r).Decode(&schema); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}

	idx := schemaIndex{
		elements: map[string]*xsdElement{},
		complex:  map[string]*xsdComplexType{},
		simple:   map[string]bool{},
	}
	for i := range schema.Elements {
		idx.elements[schema.Elements[i].Name] = &schema.Elements[i]
	}
	for i := range schema.ComplexTypes {
		idx.complex[schema.ComplexTypes[i].Name] = &schema.ComplexTypes[i]
	}
	for _, st := range schema.SimpleTypes {
		idx.simple[st.Name] = true
	}

	root, ok := idx.elements[ScanDataType]
	if !ok {
		return nil, fmt.Errorf("schema has no %s element", ScanDataType)
	}
	ct := idx.resolveComplex(root)
	if ct == nil {
		return nil, fmt.Errorf("%s element has no complex type", ScanDataType)
	}

	var paths [][]string
	idx.walk(ct, nil, map[string]bool{localName(root.Type): true}, &paths)

	fields := make([]string, 0, len(paths))
	for _, p := range paths {
		fields = append(fields, FieldID(p))
	}
	return fields, nil
}

// FieldID converts an element path such as
// ["encoding", "encodedSpace", "matrixSize", "x"] to the XNAT field id
// "mrdScanData/ENCODING_ENCODEDSPACE_MATRIXSIZE_X".
func FieldID(path []string) string {
	id := ScanDataType + "/" + strings.ToUpper(strings.Join(path, "_"))
	if len(id) > MaxFieldLength {
		id = id[:MaxFieldLength]
	}
	return id
}

func (idx schemaIndex) walk(ct *xsdComplexType, prefix []string, visiting map[string]bool, out *[][]string) {
	for _, el := range ct.elements() {
		if el.Ref != "" {
			ref, ok := idx.elements[localName(el.Ref)]
			if !ok {
				continue
			}
			el = *ref
		}
		path := append(append([]string(nil), prefix...), el.Name)

		if idx.isLeaf(&el) {
			*out = append(*out, path)
			continue
		}

		child := idx.resolveComplex(&el)
		if child == nil {
			continue
		}
		typeName := localName(el.Type)
		if typeName != "" {
			if visiting[typeName] {
				continue
			}
			visiting[typeName] = true
		}
		idx.walk(child, path, visiting, out)
		if typeName != "" {
			delete(visiting, typeName)
		}
	}
}

func (idx schemaIndex) isLeaf(el *xsdElement) bool {
	if el.SimpleType != nil {
		return true
	}
	if el.ComplexType != nil {
		return false
	}
	if el.Type == "" {
		return true
	}
	name := localName(el.Type)
	if name == "anyType" || idx.simple[name] {
		return true
	}
	if _, ok := idx.complex[name]; ok {
		return false
	}
	return isBuiltin(el.Type)
}

func (idx schemaIndex) resolveComplex(el *xsdElement) *xsdComplexType {
	if el.ComplexType != nil {
		return el.ComplexType
	}
	return idx.complex[localName(el.Type)]
}

func localName(qname string) string {
	if i := strings.LastIndex(qname, ":"); i >= 0 {
		return qname[i+1:]
	}
	return qname
}

// isBuiltin reports whether qname refers to an XML Schema built-in type.
func isBuiltin(qname string) bool {
	prefix, _, ok := strings.Cut(qname, ":")
	return ok && (prefix == "xs" || prefix == "xsd")
}
