package dataset

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordID(t *testing.T) {
	tests := []struct {
		doi     string
		want    string
		wantErr bool
	}{
		{doi: "doi:10.5281/zenodo.2633785", want: "2633785"},
		{doi: "10.5281/zenodo.15223816", want: "15223816"},
		{doi: "https://doi.org/10.5281/zenodo.1304454", want: "1304454"},
		{doi: "doi:10.5281/zenodo.", wantErr: true},
		{doi: "doi:10.5281/zenodo.12a", wantErr: true},
		{doi: "doi:10.1000/figshare.1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.doi, func(t *testing.T) {
			got, err := RecordID(tt.doi)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDOI)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCatalog(t *testing.T) {
	for _, ref := range Catalog() {
		require.NoError(t, ref.Validate(), ref.Name)
		got, ok := Lookup(ref.Name)
		require.True(t, ok)
		assert.Equal(t, ref, got)
	}
	_, ok := Lookup("unknown")
	assert.False(t, ok)

	assert.Equal(t, "dataset", SingleDataset.Group())
	assert.Equal(t, "dataset_2", MultiDataset.Group())
}

func TestLocalPath(t *testing.T) {
	f := NewFetcher("cache")
	assert.Equal(t,
		filepath.Join("cache", "PTB_ACRPhantom_GRAPPA.zip.unzip", "PTB_ACRPhantom_GRAPPA", "ptb_resolutionphantom_fully_ismrmrd.h5"),
		f.LocalPath(SingleDataset))
	assert.Equal(t, filepath.Join("cache", "cart_t1_msense_integrated.mrd"), f.LocalPath(MultiDataset))
	assert.Equal(t, "cache", f.Dir())
}
