package mrd

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaFields(t *testing.T) {
	f, err := os.Open("testdata/mrd.xsd")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	fields, err := SchemaFields(f)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"mrdScanData/VERSION",
		"mrdScanData/MEASUREMENTINFORMATION_PROTOCOLNAME",
		"mrdScanData/MEASUREMENTINFORMATION_PATIENTPOSITION",
		"mrdScanData/ENCODING_ENCODEDSPACE_MATRIXSIZE_X",
		"mrdScanData/ENCODING_ENCODEDSPACE_MATRIXSIZE_Y",
		"mrdScanData/ENCODING_TRAJECTORY",
		"mrdScanData/ENCODING_PARALLELIMAGING_ACCELERATIONFACTORFORTHEFIRSTDIMENSION",
		"mrdScanData/USERPARAMETERS_USERPARAMETERLONG",
	}, fields)
}

func TestSchemaFields_RecursiveRootType(t *testing.T) {
	const xsd = `<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema" xmlns:mrd="http://ptb.de/mrd">
  <xs:element name="mrdScanData" type="mrd:mrdScanData"/>
  <xs:complexType name="mrdScanData">
    <xs:sequence>
      <xs:element name="version" type="xs:long"/>
      <xs:element name="previous" type="mrd:mrdScanData"/>
    </xs:sequence>
  </xs:complexType>
</xs:schema>`

	fields, err := SchemaFields(strings.NewReader(xsd))
	require.NoError(t, err)
	assert.Equal(t, []string{"mrdScanData/VERSION"}, fields)
}

func TestSchemaFields_MissingRoot(t *testing.T) {
	_, err := SchemaFields(strings.NewReader(`<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema"/>`))
	assert.ErrorContains(t, err, "no mrdScanData element")
}

func TestSchemaFields_InvalidXML(t *testing.T) {
	_, err := SchemaFields(strings.NewReader(`<xs:schema`))
	assert.ErrorContains(t, err, "decoding schema")
}

func TestFieldID_Truncates(t *testing.T) {
	id := FieldID([]string{strings.Repeat("a", 100)})
	assert.Len(t, id, MaxFieldLength)
	assert.True(t, strings.HasPrefix(id, "mrdScanData/AAAA"))
	assert.Equal(t, "mrdScanData/ENCODING_TRAJECTORY", FieldID([]string{"encoding", "trajectory"}))
}
