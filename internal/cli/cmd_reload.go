package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/internal/registry"
)

func newReloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Rescan all projects and update stored definitions",
		Long: `Rescan the global workflow directory and every registered project.

New and changed files are stored as active definitions. Definitions whose file
was removed or no longer loads are archived; their runs are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			svc, err := a.openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer closeWith(&err, svc)

			diff, err := svc.registry.Reload(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(a.out, diff)
			}
			printDiff(a.out, a.styles, diff)
			return nil
		},
	}
}

func printDiff(w io.Writer, st styles, diff *registry.Diff) {
	fmt.Fprintf(w, "%s version %d in %s: %d new, %d updated, %d archived, %d errors\n",
		st.Title.Render("reloaded"), diff.Version, diff.Took,
		len(diff.New), len(diff.Updated), len(diff.Archived), len(diff.Errors))
	for _, e := range diff.New {
		fmt.Fprintf(w, "  %s %s\n", st.Success.Render("+"), e)
	}
	for _, e := range diff.Archived {
		fmt.Fprintf(w, "  %s %s\n", st.Warning.Render("-"), e)
	}
	for _, le := range diff.Errors {
		scope := le.ProjectID
		if scope == db.GlobalProjectID {
			scope = "global"
		}
		fmt.Fprintf(w, "  %s %s %s: %s\n", st.Error.Render("!"), scope, le.Path, le.Error)
	}
}
