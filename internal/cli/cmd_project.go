package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/orcflow/internal/project"
)

func newProjectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"projects"},
		Short:   "Manage registered projects",
		Long: `Manage the projects whose workflow directories are scanned on reload.

Each project contributes the workflows under <path>/.orc/workflows
(see workflows.dir in the config).`,
	}
	cmd.AddCommand(newProjectAddCmd(a), newProjectListCmd(a), newProjectRemoveCmd(a))
	return cmd
}

func newProjectAddCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add [path]",
		Short: "Register a project (default: current directory)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeWith(&err, store)

			p, err := project.Register(cmd.Context(), store, path, name)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(a.out, p)
			}
			fmt.Fprintf(a.out, "%s %s %s\n", a.styles.Success.Render("registered"), p.ID, p.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (default: directory name)")
	return cmd
}

func newProjectListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeWith(&err, store)

			projects, err := store.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(a.out, projects)
			}
			if len(projects) == 0 {
				fmt.Fprintln(a.out, "No projects registered. Run 'orcflow project add <path>'.")
				return nil
			}
			rows := make([][]string, 0, len(projects))
			for _, p := range projects {
				rows = append(rows, []string{p.ID, p.Name, p.Path})
			}
			table(a.out, []string{"ID", "NAME", "PATH"}, rows)
			return nil
		},
	}
}

func newProjectRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id|path>",
		Aliases: []string{"rm"},
		Short:   "Unregister a project (its runs are kept)",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeWith(&err, store)

			if err := project.Unregister(cmd.Context(), store, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %s\n", a.styles.Success.Render("removed"), args[0])
			return nil
		},
	}
}
