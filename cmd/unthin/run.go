package main

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/meigma/unthin"
	"github.com/meigma/unthin/validation"
)

// ManifestName is the manifest file looked up in a project directory when
// --manifest is not given.
const ManifestName = "startup-dependencies.json"

// errRejected is returned when a validator reports an error.
var errRejected = errors.New("project rejected by validation")

type projectFlags struct {
	manifest string
	id       int
	name     string
	version  int
	extra    map[string]string
}

func (p *projectFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&p.manifest, "manifest", "m", "", "manifest path (default <dir>/"+ManifestName+")")
	f.IntVar(&p.id, "project-id", 0, "project id")
	f.StringVar(&p.name, "project", "", "project name (default directory name)")
	f.IntVar(&p.version, "project-version", 0, "project version")
	f.StringToStringVar(&p.extra, "set", nil, "extra validator configuration key=value")
}

func (p *projectFlags) resolve(dir string) (validation.Project, string) {
	name := p.name
	if name == "" {
		name = filepath.Base(filepath.Clean(dir))
	}
	manifestPath := p.manifest
	if manifestPath == "" {
		manifestPath = filepath.Join(dir, ManifestName)
	}
	return validation.Project{ID: p.id, Name: name, Version: p.version}, manifestPath
}

func newRunCmd(a *app) *cobra.Command {
	var (
		pf          projectFlags
		metricsFile string
	)
	cmd := &cobra.Command{
		Use:   "run <project-dir>",
		Short: "Unthin a project directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := args[0]
			project, manifestPath := pf.resolve(dir)

			store, closeStore, err := a.openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()
			cache, db, err := a.openCache(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			dl, err := a.newDownloader(store)
			if err != nil {
				return err
			}
			set, err := a.newValidator()
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			u, err := unthin.New(cache, dl, store, set,
				unthin.WithLogger(a.log),
				unthin.WithDownloadWorkers(a.cfg.Download.Workers),
				unthin.WithPersistWorkers(a.cfg.Storage.Workers),
				unthin.WithMetricsRegisterer(reg))
			if err != nil {
				return err
			}
			out, err := u.Reconcile(ctx, project, dir, manifestPath, pf.extra)
			if metricsFile != "" {
				if werr := prometheus.WriteToTextfile(metricsFile, reg); werr != nil {
					return errors.CombineErrors(err, errors.Wrap(werr, "write metrics"))
				}
			}
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), out)
			if out.Rejected {
				return errRejected
			}
			return nil
		},
	}
	pf.register(cmd)
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write run metrics in the Prometheus text format to this file")
	return cmd
}

func printOutcome(w io.Writer, out *unthin.Outcome) {
	fmt.Fprintf(w, "validation key: %s\n", out.Key)
	fmt.Fprintf(w, "cached valid: %d, cached removed: %d, downloaded: %d\n",
		len(out.ValidCached), len(out.RemovedCached), len(out.Downloaded))
	if !out.Rejected {
		fmt.Fprintf(w, "persisted: %d, deferred: %d, removed: %d, modified: %d, manifest rewritten: %t\n",
			len(out.Persisted), len(out.Deferred), len(out.Removed), len(out.Modified), out.ManifestRewritten)
	}
	printReports(w, out.Reports)
}

func printReports(w io.Writer, reports map[string]*validation.Report) {
	names := make([]string, 0, len(reports))
	for name := range reports {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		r := reports[name]
		if r == nil {
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", name, r.Status())
		for _, m := range r.Errors() {
			fmt.Fprintf(w, "  error: %s\n", m)
		}
		for _, m := range r.Warnings() {
			fmt.Fprintf(w, "  warn: %s\n", m)
		}
		for _, m := range r.Infos() {
			fmt.Fprintf(w, "  info: %s\n", m)
		}
	}
}
