package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civicflow/internal/app"
	"civicflow/internal/config"
	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/notify"
	"civicflow/internal/ranking"
	"civicflow/internal/repo"
	"civicflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "civic",
	Short: "Civicflow CLI",
	Long: `Civicflow tracks civic complaints from submission to resolution.
- Complaints move pending -> assigned -> in_progress -> work_completed -> resolved; rejected and closed are exits.
- Field staff may only act on complaints assigned to them; approving or rejecting their work is an admin call.
- Public, non-anonymous complaints appear in the ranked feed (new, old, top, rising, hot) and collect votes.
- Archiving hides a complaint without changing its status; delete is permanent and leaves a tombstone.
- Every change lands in the event log, view it with 'civic log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CIVICFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/civicflow.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	rootCmd.PersistentFlags().String("role", "admin", "actor role: citizen, admin or field_staff")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "role", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(complaintCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(feedCmd())
	rootCmd.AddCommand(staffCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func complaintCmd() *cobra.Command {
	c := &cobra.Command{Use: "complaint", Aliases: []string{"c"}, Short: "Manage complaints"}
	c.AddCommand(complaintSubmitCmd())
	c.AddCommand(complaintListCmd())
	c.AddCommand(complaintShowCmd())
	c.AddCommand(lifecycleCmd("assign <id>", "Assign to field staff", func(cmd *cobra.Command) func() engine.Payload {
		var p engine.AssignToStaff
		cmd.Flags().StringVar(&p.StaffID, "staff", "", "field staff id")
		return func() engine.Payload { return p }
	}))
	c.AddCommand(lifecycleCmd("reject <id>", "Reject a pending complaint", func(cmd *cobra.Command) func() engine.Payload {
		var p engine.RejectComplaint
		cmd.Flags().StringVar(&p.Reason, "reason", "", "rejection reason")
		return func() engine.Payload { return p }
	}))
	c.AddCommand(lifecycleCmd("start <id>", "Start work", func(cmd *cobra.Command) func() engine.Payload {
		var p engine.StartWork
		cmd.Flags().StringVar(&p.Note, "note", "", "note")
		return func() engine.Payload { return p }
	}))
	c.AddCommand(lifecycleCmd("progress <id>", "Record progress", func(cmd *cobra.Command) func() engine.Payload {
		var p engine.UpdateProgress
		cmd.Flags().StringVar(&p.Note, "note", "", "progress note")
		return func() engine.Payload { return p }
	}))
	c.AddCommand(lifecycleCmd("complete <id>", "Complete work with proof", func(cmd *cobra.Command) func() engine.Payload {
		var notes string
		var proof []string
		cmd.Flags().StringVar(&notes, "notes", "", "completion notes")
		cmd.Flags().StringSliceVar(&proof, "proof", nil, "proof image url (repeatable)")
		return func() engine.Payload {
			return engine.CompleteWork{Notes: notes, ProofImages: imageRefs(proof)}
		}
	}))
	c.AddCommand(lifecycleCmd("approve <id>", "Approve completed work", func(cmd *cobra.Command) func() engine.Payload {
		var p engine.ApproveWork
		cmd.Flags().StringVar(&p.Notes, "notes", "", "resolution notes")
		return func() engine.Payload { return p }
	}))
	c.AddCommand(lifecycleCmd("reject-work <id>", "Send completed work back", func(cmd *cobra.Command) func() engine.Payload {
		var p engine.RejectWork
		cmd.Flags().StringVar(&p.Reason, "reason", "", "why the work was rejected")
		return func() engine.Payload { return p }
	}))
	c.AddCommand(lifecycleCmd("note <id>", "Add an admin note", func(cmd *cobra.Command) func() engine.Payload {
		var p engine.AddNote
		cmd.Flags().StringVar(&p.Note, "note", "", "note text")
		return func() engine.Payload { return p }
	}))
	c.AddCommand(lifecycleCmd("close <id>", "Close a complaint", func(cmd *cobra.Command) func() engine.Payload {
		var p engine.CloseComplaint
		cmd.Flags().StringVar(&p.Reason, "reason", "", "close reason")
		return func() engine.Payload { return p }
	}))
	c.AddCommand(lifecycleCmd("priority <id>", "Change priority", func(cmd *cobra.Command) func() engine.Payload {
		var priority string
		cmd.Flags().StringVar(&priority, "set", "", "low, medium, high or urgent")
		return func() engine.Payload { return engine.Reprioritize{Priority: domain.Priority(priority)} }
	}))
	c.AddCommand(complaintArchiveCmd())
	c.AddCommand(complaintRestoreCmd())
	c.AddCommand(complaintDeleteCmd())
	c.AddCommand(complaintRecommendCmd())
	c.AddCommand(complaintStatsCmd())
	return c
}

func complaintSubmitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	var category, priority, address string
	var lat, lng float64
	var images []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a complaint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				opts.Actor = actor()
				opts.Category = domain.Category(category)
				opts.Priority = domain.Priority(priority)
				opts.Location = domain.Location{Address: address}
				if cmd.Flags().Changed("lat") {
					opts.Location.Latitude = &lat
				}
				if cmd.Flags().Changed("lng") {
					opts.Location.Longitude = &lng
				}
				opts.Images = imageRefs(images)
				c, err := env.Engine.Submit(ctx, opts)
				if err != nil {
					return err
				}
				return printComplaint(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "complaint id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&category, "category", "", categoryHelp("category"))
	cmd.Flags().StringVar(&priority, "priority", "", "priority (default medium)")
	cmd.Flags().StringVar(&address, "address", "", "street address")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	cmd.Flags().StringSliceVar(&images, "image", nil, "image url (repeatable)")
	cmd.Flags().BoolVar(&opts.IsPublic, "public", false, "show in the public feed")
	cmd.Flags().BoolVar(&opts.IsAnonymous, "anonymous", false, "hide the submitter")
	return cmd
}

func complaintListCmd() *cobra.Command {
	var f repo.ComplaintFilters
	var status, priority, category, archived string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List complaints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				af, err := domain.ParseArchiveFilter(archived)
				if err != nil {
					return err
				}
				f.Status = domain.Status(status)
				f.Priority = domain.Priority(priority)
				f.Category = domain.Category(category)
				f.Archived = af
				items, err := env.Engine.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Category", "Assignee", "Score", "Archived"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Title, c.Status, c.Priority, c.Category, stringOrEmpty(c.AssignedFieldStaffID), c.Score(), c.Archived})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&category, "category", "", categoryHelp("category filter"))
	cmd.Flags().StringVar(&f.AssignedStaffID, "staff", "", "assignee filter")
	cmd.Flags().StringVar(&f.CitizenID, "citizen", "", "submitter filter")
	cmd.Flags().StringVar(&archived, "archived", "", "exclude, only or include")
	cmd.Flags().StringVar(&f.Search, "search", "", "text search over title, description and address")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func complaintShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a complaint and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				c, err := env.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				if err := printComplaint(c); err != nil {
					return err
				}
				if c.AdminNotes.Len() == 0 {
					return nil
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"When", "By", "Event", "Note"})
				for _, n := range c.AdminNotes.Entries() {
					tw.AppendRow(table.Row{n.AddedAt.Format(time.RFC3339), n.AddedBy, n.Event, n.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// lifecycleCmd builds a transition subcommand. bind registers the event's
// flags and returns a function producing the payload once flags are parsed.
func lifecycleCmd(use, short string, bind func(*cobra.Command) func() engine.Payload) *cobra.Command {
	var expected int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
	}
	payload := bind(cmd)
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "fail unless the complaint is at this version")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
			req := engine.TransitionRequest{ComplaintID: args[0], Actor: actor(), Payload: payload()}
			if cmd.Flags().Changed("expected-version") {
				req.ExpectedVersion = &expected
			}
			res, err := env.Engine.Transition(ctx, req)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			for _, w := range res.Warnings {
				fmt.Println("warning:", w)
			}
			return printComplaint(res.Complaint)
		})
	}
	return cmd
}

func complaintArchiveCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a complaint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				c, err := env.Engine.Archive(ctx, args[0], actor(), reason)
				if err != nil {
					return err
				}
				return printComplaint(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "archive reason")
	return cmd
}

func complaintRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore an archived complaint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				c, err := env.Engine.Restore(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printComplaint(c)
			})
		},
	}
}

func complaintDeleteCmd() *cobra.Command {
	var reason string
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Permanently delete a complaint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("delete is permanent; pass --force to confirm")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Engine.HardDelete(ctx, args[0], actor(), reason); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "deletion reason")
	cmd.Flags().BoolVar(&force, "force", false, "confirm permanent deletion")
	return cmd
}

func complaintRecommendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recommend <id>",
		Short: "Suggest field staff for a complaint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				recs, err := env.Engine.RecommendStaff(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Staff", "Department", "Workload", "Capacity", "Dept match", "Over capacity"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.Staff.ID, r.Staff.Department, r.Workload, r.Capacity, r.DepartmentMatch, r.OverCapacity})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func complaintStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count non-archived complaints per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				counts, err := env.Engine.StatusCounts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, st := range domain.Statuses() {
					tw.AppendRow(table.Row{st, counts[st]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// categoryHelp names the accepted categories for flag usage text.
func categoryHelp(prefix string) string {
	names := make([]string, 0, len(domain.Categories()))
	for _, c := range domain.Categories() {
		names = append(names, string(c))
	}
	return prefix + " (" + strings.Join(names, ", ") + ")"
}

func voteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vote <id> <up|down>",
		Short: "Vote on a public complaint; repeating a vote retracts it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := domain.ParseDirection(args[1])
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				tally, err := env.Engine.CastVote(ctx, args[0], actor(), dir)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tally)
				}
				fmt.Printf("%s: %s (up %d, down %d, score %d)\n", tally.ComplaintID, tally.Outcome, tally.Upvotes, tally.Downvotes, tally.Score)
				return nil
			})
		},
	}
}

func feedCmd() *cobra.Command {
	var mode, category string
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Show the ranked public feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := ranking.ParseMode(mode)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				page, err := env.Engine.Feed(ctx, engine.FeedQuery{
					Mode:     m,
					Category: domain.Category(category),
					Offset:   offset,
					Limit:    limit,
					ViewerID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "ID", "Title", "Category", "Score", "Views", "Mine"})
				for i, entry := range page.Entries {
					own := ""
					if entry.Own != nil {
						own = string(*entry.Own)
					}
					c := entry.Complaint
					tw.AppendRow(table.Row{page.Offset + i + 1, c.ID, c.Title, c.Category, entry.Score, c.ViewCount, own})
				}
				tw.AppendFooter(table.Row{"", "", fmt.Sprintf("%s, %d total", page.Mode, page.Total)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "hot", "new, old, top, rising or hot")
	cmd.Flags().StringVar(&category, "category", "", categoryHelp("category filter"))
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (config default when 0)")
	return cmd
}

func staffCmd() *cobra.Command {
	s := &cobra.Command{Use: "staff", Short: "Manage field staff"}
	s.AddCommand(staffAddCmd())
	s.AddCommand(staffListCmd())
	s.AddCommand(staffWorkloadCmd())
	return s
}

func staffAddCmd() *cobra.Command {
	var st domain.Staff
	var inactive bool
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register or update a field staff member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				st.ID = args[0]
				st.Active = !inactive
				saved, err := env.Engine.RegisterStaff(ctx, actor(), st)
				if err != nil {
					return err
				}
				return printJSONOrTable(saved, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Name", "Department", "Active", "Max"})
					tw.AppendRow(table.Row{saved.ID, saved.Name, saved.Department, saved.Active, saved.MaxWorkload})
				})
			})
		},
	}
	cmd.Flags().StringVar(&st.Name, "name", "", "display name")
	cmd.Flags().StringVar(&st.Department, "department", "", "department")
	cmd.Flags().IntVar(&st.MaxWorkload, "max-workload", 0, "advisory capacity (config default when 0)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "register as inactive")
	return cmd
}

func staffListCmd() *cobra.Command {
	var f repo.StaffFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List field staff with their workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.Repo.ListStaff(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				loads, err := env.Engine.Repo.Workloads(ctx)
				if err != nil {
					return err
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Department", "Active", "Workload", "Max"})
				for _, st := range items {
					tw.AppendRow(table.Row{st.ID, st.Name, st.Department, st.Active, loads[st.ID], st.MaxWorkload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Department, "department", "", "department filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "only active staff")
	return cmd
}

func staffWorkloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workload <id>",
		Short: "Count active complaints assigned to a staff member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				n, err := env.Engine.WorkloadOf(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"staff_id": args[0], "workload": n})
				}
				fmt.Printf("%s: %d\n", args[0], n)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				events, err := env.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Complaint", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ComplaintID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.ComplaintID, "complaint", "", "complaint id filter")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default civicflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeaders, devLogin, dispatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := app.Open(ctx, options("civicflow-api"))
			if err != nil {
				return err
			}
			defer env.Close()

			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeaders,
				AllowDevLogin:          devLogin,
				Logger:                 env.Log,
			}
			if authCfg.JWTSecret == "" && !legacyHeaders {
				return fmt.Errorf("CIVICFLOW_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: env.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			if dispatch {
				sinks, closer, err := notify.FromConfig(env.Config, env.Log)
				if err != nil {
					return err
				}
				defer closer.Close()
				d := &notify.Dispatcher{Source: env.Engine.Repo, Sinks: sinks, Log: env.Log}
				go d.Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			env.Log.Info(ctx, "server_started", "serving civicflow API",
				slog.String("addr", addr), slog.String("base_path", basePath), slog.Bool("dispatcher", dispatch))
			fmt.Printf("Serving Civicflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&legacyHeaders, "allow-actor-headers", false, "accept unauthenticated X-Actor-Id/X-Actor-Role headers (dev only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (dev only)")
	cmd.Flags().BoolVar(&dispatch, "notify", true, "run the notification dispatcher")
	return cmd
}

func options(service string) app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
		Service:    service,
	}
}

func actor() engine.Actor {
	return engine.Actor{ID: viper.GetString("actor-id"), Role: domain.Role(viper.GetString("role"))}
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(ctx, options("civic"))
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func imageRefs(urls []string) []domain.ImageRef {
	refs := make([]domain.ImageRef, 0, len(urls))
	for _, u := range urls {
		refs = append(refs, domain.ImageRef{URL: u})
	}
	return refs
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printComplaint(c domain.Complaint) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", c.ID},
		{"Title", c.Title},
		{"Status", c.Status},
		{"Priority", c.Priority},
		{"Category", c.Category},
		{"Assignee", stringOrEmpty(c.AssignedFieldStaffID)},
		{"Votes", fmt.Sprintf("+%d / -%d", c.Upvotes, c.Downvotes)},
		{"Archived", c.Archived},
		{"Updated", c.LastUpdated.Format(time.RFC3339)},
		{"Version", c.Version},
	})
	tw.Render()
	return nil
}

func printJSONOrTable(v any, fill func(table.Writer)) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := newTable()
	fill(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
