package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/orcflow/internal/db"
	orcerrors "github.com/randalmurphal/orcflow/internal/errors"
	"github.com/randalmurphal/orcflow/internal/events"
)

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect workflow runs",
	}
	cmd.AddCommand(newRunsListCmd(a), newRunsShowCmd(a))
	return cmd
}

func newRunsListCmd(a *app) *cobra.Command {
	var (
		projectRef string
		opts       db.RunListOpts
		status     string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			if opts.Limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeWith(&err, store)

			if projectRef != "" {
				p, err := resolveProject(ctx, store, projectRef)
				if err != nil {
					return err
				}
				opts.ProjectID = p.ID
			}
			opts.Status = db.RunStatus(status)

			runs, err := store.ListRuns(ctx, opts)
			if err != nil {
				return err
			}
			if a.jsonOut {
				if runs == nil {
					runs = []*db.WorkflowRun{}
				}
				return writeJSON(a.out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(a.out, "No runs.")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.ID, r.DefinitionID, a.styles.status(string(r.Status)),
					r.CurrentPhase, r.CreatedAt.Local().Format(time.DateTime),
				})
			}
			table(a.out, []string{"ID", "WORKFLOW", "STATUS", "PHASE", "CREATED"}, rows)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&projectRef, "project", "p", "", "project id or path")
	f.StringVar(&opts.DefinitionID, "definition", "", "only runs of this workflow")
	f.StringVar(&status, "status", "", "only runs with this status")
	f.IntVar(&opts.Limit, "limit", 20, "maximum runs to show (0 for all)")
	return cmd
}

type runDetail struct {
	Run    *db.WorkflowRun       `json:"run"`
	Steps  []*db.WorkflowRunStep `json:"steps"`
	Events []events.Event        `json:"events"`
}

func newRunsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its steps and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeWith(&err, store)

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return orcerrors.ErrRunNotFound(args[0])
			}
			steps, err := store.ListSteps(ctx, run.ID)
			if err != nil {
				return err
			}
			evs, err := events.NewRecorder(store, events.NewNopPublisher(), a.logger).List(ctx, run.ID, 0)
			if err != nil {
				return err
			}

			detail := runDetail{Run: run, Steps: steps, Events: evs}
			if detail.Steps == nil {
				detail.Steps = []*db.WorkflowRunStep{}
			}
			if detail.Events == nil {
				detail.Events = []events.Event{}
			}
			if a.jsonOut {
				return writeJSON(a.out, detail)
			}

			printRun(a.out, a.styles, run)
			if len(steps) > 0 {
				fmt.Fprintln(a.out)
				rows := make([][]string, 0, len(steps))
				for _, s := range steps {
					rows = append(rows, []string{s.Phase, s.Name, string(s.Type), a.styles.status(string(s.Status)), s.Error})
				}
				table(a.out, []string{"PHASE", "STEP", "TYPE", "STATUS", "ERROR"}, rows)
			}
			if len(evs) > 0 {
				fmt.Fprintln(a.out)
				for _, ev := range evs {
					fmt.Fprintf(a.out, "%s %s %s\n",
						a.styles.Subtle.Render(ev.Time.Local().Format(time.TimeOnly)), ev.Type, ev.Title)
				}
			}
			return nil
		},
	}
}
