package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/auth"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	server  string
	token   string
	timeout time.Duration
	output  string
}

func (o *globalOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.server, "server", envOr("DAGRUNNER_URL", "http://localhost:7070"), "dagrunner server URL")
	cmd.PersistentFlags().StringVar(&o.token, "token", os.Getenv("DAGRUNNER_TOKEN"), "bearer token")
	cmd.PersistentFlags().DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")
	cmd.PersistentFlags().StringVarP(&o.output, "output", "o", "table", "output format: table or json")
}

func (o *globalOptions) client() *Client {
	return NewClient(o.server, o.token, o.timeout)
}

// print writes v as JSON, or calls table when the output format is table.
func (o *globalOptions) print(w io.Writer, v interface{}, render func(w io.Writer)) error {
	if o.output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	render(w)
	return nil
}

// newTable returns a borderless, left-aligned table in the style of kubectl
// listings. Without a header it prints aligned key/value rows.
func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	if len(header) > 0 {
		t.SetHeader(header)
	}
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(true)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetBorder(false)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// NewRootCmd builds the dagctl command tree.
func NewRootCmd() *cobra.Command {
	o := &globalOptions{}
	root := &cobra.Command{
		Use:           "dagctl",
		Short:         "Manage DAGs and runs on a dagrunner server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	o.addFlags(root)
	root.AddCommand(newCmdDAGs(o))
	root.AddCommand(newCmdRuns(o))
	root.AddCommand(newCmdTasks(o))
	root.AddCommand(newCmdToken())
	return root
}

func newCmdDAGs(o *globalOptions) *cobra.Command {
	cmds := &cobra.Command{
		Use:   "dags",
		Short: "Manage DAGs",
		Args:  cobra.NoArgs,
	}

	var tags []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered DAGs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dags, err := o.client().ListDAGs(cmd.Context(), tags, nil)
			if err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), dags, func(w io.Writer) {
				t := newTable(w, "id", "version", "schedule", "paused", "tasks", "tags")
				for _, d := range dags {
					t.Append([]string{d.ID, strconv.Itoa(d.Version), orDash(d.Schedule),
						strconv.FormatBool(d.Paused), strconv.Itoa(len(d.Tasks)), strings.Join(d.Tags, ",")})
				}
				t.Render()
			})
		},
	}
	list.Flags().StringSliceVar(&tags, "tag", nil, "only DAGs carrying every tag")

	show := &cobra.Command{
		Use:   "show <dag-id>",
		Short: "Show a DAG definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := o.client().GetDAG(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), d, func(w io.Writer) {
				kv := newTable(w)
				kv.AppendBulk([][]string{
					{"ID:", d.ID},
					{"Version:", strconv.Itoa(d.Version)},
					{"Schedule:", orDash(d.Schedule)},
					{"Paused:", strconv.FormatBool(d.Paused)},
				})
				kv.Render()
				fmt.Fprintln(w)

				t := newTable(w, "task", "operator", "upstream", "trigger rule")
				for _, task := range d.Tasks {
					t.Append([]string{task.ID, task.Operator, orDash(strings.Join(task.Upstream, ",")),
						string(task.TriggerRule.OrDefault())})
				}
				t.Render()
			})
		},
	}

	var confJSON, date string
	trigger := &cobra.Command{
		Use:   "trigger <dag-id>",
		Short: "Start a manual run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var conf map[string]interface{}
			if confJSON != "" {
				if err := json.Unmarshal([]byte(confJSON), &conf); err != nil {
					return fmt.Errorf("--conf must be a JSON object: %w", err)
				}
			}
			var logicalDate *time.Time
			if date != "" {
				t, err := parseDate(date)
				if err != nil {
					return err
				}
				logicalDate = &t
			}
			run, err := o.client().TriggerRun(cmd.Context(), args[0], logicalDate, conf)
			if err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), run, func(w io.Writer) {
				fmt.Fprintf(w, "Run %s of %s created for %s\n", run.ID, run.DAGID, run.LogicalDate.UTC().Format(time.RFC3339))
			})
		},
	}
	trigger.Flags().StringVar(&confJSON, "conf", "", "run configuration as a JSON object")
	trigger.Flags().StringVar(&date, "date", "", "logical date (RFC3339 or YYYY-MM-DD)")

	pause := func(use string, paused bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <dag-id>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " scheduling of a DAG",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				d, err := o.client().SetPaused(cmd.Context(), args[0], paused)
				if err != nil {
					return err
				}
				return o.print(cmd.OutOrStdout(), d, func(w io.Writer) {
					fmt.Fprintf(w, "%s paused=%t\n", d.ID, d.Paused)
				})
			},
		}
	}

	cmds.AddCommand(list, show, trigger, pause("pause", true), pause("unpause", false))
	return cmds
}

func newCmdRuns(o *globalOptions) *cobra.Command {
	cmds := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and control DAG runs",
		Args:  cobra.NoArgs,
	}

	var state string
	var limit int
	list := &cobra.Command{
		Use:   "list <dag-id>",
		Short: "List runs of a DAG, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := o.client().ListRuns(cmd.Context(), args[0], state, limit)
			if err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), runs, func(w io.Writer) {
				t := newTable(w, "run id", "logical date", "type", "state", "started", "ended")
				for _, r := range runs {
					t.Append([]string{r.ID, r.LogicalDate.UTC().Format(time.RFC3339), string(r.RunType),
						string(r.State), formatTime(r.StartedAt), formatTime(r.FinishedAt)})
				}
				t.Render()
			})
		},
	}
	list.Flags().StringVar(&state, "state", "", "only runs in this state")
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its task instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := o.client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), detail, func(w io.Writer) {
				kv := newTable(w)
				kv.AppendBulk([][]string{
					{"Run:", detail.ID},
					{"DAG:", fmt.Sprintf("%s (v%d)", detail.DAGID, detail.DAGVersion)},
					{"Logical date:", detail.LogicalDate.UTC().Format(time.RFC3339)},
					{"State:", string(detail.State)},
				})
				if detail.Error != "" {
					kv.Append([]string{"Error:", detail.Error})
				}
				kv.Render()
				fmt.Fprintln(w)
				taskTable(w, detail.Tasks)
			})
		},
	}

	var force bool
	cancel := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := o.client().CancelRun(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), run, func(w io.Writer) {
				fmt.Fprintf(w, "Cancellation of %s requested (state %s)\n", run.ID, run.State)
			})
		},
	}
	cancel.Flags().BoolVar(&force, "force", false, "kill running tasks instead of letting them finish")

	cmds.AddCommand(list, show, cancel)
	return cmds
}

func newCmdTasks(o *globalOptions) *cobra.Command {
	cmds := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect task instances",
		Args:  cobra.NoArgs,
	}

	list := &cobra.Command{
		Use:   "list <run-id>",
		Short: "List the task instances of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := o.client().ListTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), tasks, func(w io.Writer) {
				taskTable(w, tasks)
			})
		},
	}

	var attempt int
	logs := &cobra.Command{
		Use:   "logs <dag-id> <task-id> <logical-date>",
		Short: "Print the log of a task attempt",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := parseDate(args[2])
			if err != nil {
				return err
			}
			c := o.client()
			run, err := c.FindRun(cmd.Context(), args[0], date)
			if err != nil {
				return err
			}
			return c.TaskLog(cmd.Context(), run.ID, args[1], attempt, cmd.OutOrStdout())
		},
	}
	logs.Flags().IntVar(&attempt, "attempt", 0, "attempt number (default latest)")

	var downstream bool
	clearCmd := &cobra.Command{
		Use:   "clear <run-id> <task-id>",
		Short: "Reset a task so it runs again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := o.client().ClearTask(cmd.Context(), args[0], args[1], downstream)
			if err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), tasks, func(w io.Writer) {
				taskTable(w, tasks)
			})
		},
	}
	clearCmd.Flags().BoolVar(&downstream, "downstream", false, "also clear every downstream task")

	cmds.AddCommand(list, logs, clearCmd)
	return cmds
}

func newCmdToken() *cobra.Command {
	var secret, issuer, subject string
	var roles []string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a service token signed with the shared secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return auth.ErrNoSecret
			}
			tok, err := auth.NewTokenVerifier(secret, issuer).Sign(subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("AUTH_TOKEN_SECRET"), "HS256 signing secret")
	cmd.Flags().StringVar(&issuer, "issuer", envOr("AUTH_TOKEN_ISSUER", "dagrunner"), "token issuer")
	cmd.Flags().StringVar(&subject, "subject", "dagctl", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func taskTable(w io.Writer, tasks []*types.TaskInstance) {
	t := newTable(w, "task", "state", "attempt", "started", "ended", "error")
	for _, ti := range tasks {
		t.Append([]string{ti.TaskID, string(ti.State), fmt.Sprintf("%d/%d", ti.Attempt, ti.MaxAttempts),
			formatTime(ti.StartedAt), formatTime(ti.FinishedAt), orDash(ti.Error)})
	}
	t.Render()
}

// parseDate accepts RFC3339 timestamps and plain dates (midnight UTC).
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q: want RFC3339 or YYYY-MM-DD", s)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
