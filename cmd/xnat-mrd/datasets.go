package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/txn2/xnat-mrd/pkg/dataset"
	"github.com/txn2/xnat-mrd/pkg/harness"
)

func newFetcher(cfg *harness.Config) *dataset.Fetcher {
	return dataset.NewFetcher(cfg.Datasets.CacheDir,
		dataset.WithAPIBase(cfg.Datasets.APIBase),
		dataset.WithRetries(cfg.Datasets.Retries),
	)
}

// resolveDatasets maps names to catalog references; no names means the
// whole catalog.
func resolveDatasets(names []string) ([]dataset.Reference, error) {
	if len(names) == 0 {
		return dataset.Catalog(), nil
	}
	refs := make([]dataset.Reference, 0, len(names))
	for _, name := range names {
		ref, ok := dataset.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown dataset: %s", name)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func newFetchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch [dataset...]",
		Short: "Download reference datasets into the local cache",
		Long: `Download reference datasets from Zenodo into the dataset cache.
Without arguments every dataset in the catalog is fetched. Cached files
are not downloaded again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			refs, err := resolveDatasets(args)
			if err != nil {
				return err
			}
			paths, err := newFetcher(cfg).FetchAll(cmd.Context(), refs)
			if err != nil {
				return err
			}
			for i, p := range paths {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", text.FgGreen.Sprint(refs[i].Name), p)
			}
			return nil
		},
	}
}

func newDatasetsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "datasets",
		Short: "List the reference datasets and whether they are cached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			f := newFetcher(cfg)

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Name", "DOI", "File", "Group", "Cached"})
			for _, ref := range dataset.Catalog() {
				cached := text.FgYellow.Sprint("no")
				if f.Cached(ref) {
					cached = text.FgGreen.Sprint("yes")
				}
				t.AppendRow(table.Row{ref.Name, ref.DOI, ref.File, ref.Group(), cached})
			}
			t.Render()
			return nil
		},
	}
}
