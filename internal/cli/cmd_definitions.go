package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/orcflow/internal/db"
)

func newDefinitionsCmd(a *app) *cobra.Command {
	var (
		projectRef string
		all        bool
	)
	cmd := &cobra.Command{
		Use:     "definitions",
		Aliases: []string{"defs", "workflows"},
		Short:   "List stored workflow definitions",
		Long: `List the definitions recorded by the last reload.

Without --all only active definitions are shown. --project restricts the list
to one project; "global" selects global definitions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeWith(&err, store)

			opts := db.DefinitionListOpts{}
			if !all {
				opts.Status = db.DefinitionActive
			}
			switch projectRef {
			case "":
			case "global":
				pid := db.GlobalProjectID
				opts.ProjectID = &pid
			default:
				p, err := resolveProject(ctx, store, projectRef)
				if err != nil {
					return err
				}
				opts.ProjectID = &p.ID
			}

			defs, err := store.ListDefinitions(ctx, opts)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(a.out, nonNilDefs(defs))
			}
			if len(defs) == 0 {
				fmt.Fprintln(a.out, "No definitions. Run 'orcflow reload' after adding workflow files.")
				return nil
			}
			rows := make([][]string, 0, len(defs))
			for _, d := range defs {
				scope := d.ProjectID
				if d.Scope == db.ScopeGlobal {
					scope = "global"
				}
				phases := make([]string, 0, len(d.Phases))
				for _, p := range d.Phases {
					phases = append(phases, p.ID)
				}
				status := a.styles.status(string(d.Status))
				if d.LoadError != "" {
					status += " " + a.styles.Subtle.Render(d.LoadError)
				}
				rows = append(rows, []string{d.Identifier, scope, strings.Join(phases, ","), status})
			}
			table(a.out, []string{"ID", "SCOPE", "PHASES", "STATUS"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectRef, "project", "p", "", "project id or path, or \"global\"")
	cmd.Flags().BoolVar(&all, "all", false, "include archived definitions")
	return cmd
}

func nonNilDefs(defs []*db.WorkflowDefinition) []*db.WorkflowDefinition {
	if defs == nil {
		return []*db.WorkflowDefinition{}
	}
	return defs
}
