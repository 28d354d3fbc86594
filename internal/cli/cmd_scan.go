package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/orcflow/internal/loader"
)

type scanResult struct {
	Dir    string          `json:"dir"`
	Units  []scannedUnit   `json:"units"`
	Errors []scannedFailed `json:"errors"`
}

type scannedUnit struct {
	ID     string   `json:"id"`
	Kind   string   `json:"kind"`
	Path   string   `json:"path"`
	Phases []string `json:"phases"`
}

type scannedFailed struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// newScanCmd loads a workflow directory without touching the database, as
// a check before committing workflow changes.
func newScanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [dir]",
		Short: "Load and validate workflow files without registering them",
		Long: `Load every workflow file in a directory and report what would be registered.

dir defaults to the workflow directory of the current project. The command
fails when any file does not load.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.cfg.Workflows.Dir
			if len(args) == 1 {
				dir = args[0]
			}
			dir, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", dir, err)
			}

			ld := loader.New(loader.WithGlobs(a.cfg.Workflows.Globs...), loader.WithLogger(a.logger))
			res, err := ld.LoadDir(cmd.Context(), dir)
			if err != nil {
				return err
			}

			out := scanResult{Dir: dir, Units: []scannedUnit{}, Errors: []scannedFailed{}}
			for _, u := range res.Units {
				su := scannedUnit{ID: u.ID(), Kind: string(u.Kind), Path: u.SourcePath}
				for _, p := range u.Spec.Phases {
					su.Phases = append(su.Phases, p.ID)
				}
				out.Units = append(out.Units, su)
			}
			for _, fe := range res.Errors {
				out.Errors = append(out.Errors, scannedFailed{Path: fe.Path, Error: fe.Err.Error()})
			}

			if a.jsonOut {
				if err := writeJSON(a.out, out); err != nil {
					return err
				}
			} else {
				printScan(a, out)
			}
			if len(out.Errors) > 0 {
				return fmt.Errorf("%d workflow file(s) failed to load", len(out.Errors))
			}
			return nil
		},
	}
}

func printScan(a *app, res scanResult) {
	fmt.Fprintln(a.out, a.styles.Title.Render(res.Dir))
	if len(res.Units) == 0 && len(res.Errors) == 0 {
		fmt.Fprintln(a.out, a.styles.Subtle.Render("  no workflow files"))
		return
	}
	for _, u := range res.Units {
		rel := relTo(res.Dir, u.Path)
		fmt.Fprintf(a.out, "  %s %s %s %s\n",
			a.styles.Success.Render("ok"), u.ID,
			a.styles.Subtle.Render("("+u.Kind+", "+rel+")"),
			strings.Join(u.Phases, " > "))
	}
	for _, fe := range res.Errors {
		fmt.Fprintf(a.out, "  %s %s: %s\n", a.styles.Error.Render("error"), relTo(res.Dir, fe.Path), fe.Error)
	}
}

func relTo(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil {
		return rel
	}
	return path
}
