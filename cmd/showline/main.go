package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"showline/internal/app"
	"showline/internal/config"
	"showline/internal/domain"
	"showline/internal/engine"
	"showline/internal/repo"
	"showline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "showline",
	Short: "Showline production lifecycle CLI",
	Long: `Showline tracks a live production from first setup to archive.
- Phases: PREP -> STAFFING -> PRE_SHOW -> ACTIVE -> POST_SHOW -> COMPLETE -> ARCHIVED.
- Setup areas: roles, locations, team and talent; finalize an area when its setup is done.
- Readiness: derived from setup counts and finalization; 'showline readiness show'.
- Transitions: gated by readiness and the schedule; 'showline phase advance'.
- Automatic transitions: time-driven phases are entered by 'showline sweep' or by 'showline serve'.
- Event log: every change is recorded, view with 'showline log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SHOWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project)")
	rootCmd.PersistentFlags().Bool("verbose", false, "log engine activity to stderr")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "verbose"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(readinessCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage productions"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var name, desc string
	var sched scheduleFlags
	cmd := &cobra.Command{
		Use:   "init <project-id>",
		Short: "Create a production in PREP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, st, err := e.InitProject(ctx, engine.ProjectInit{
					ID:          args[0],
					Name:        name,
					Description: desc,
					Schedule:    sched.patch(cmd.Flags()),
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "phase_state": st})
				}
				fmt.Printf("Created %s in %s (timezone %s); %s holds the owner role\n", p.ID, st.CurrentPhase, st.Timezone, viper.GetString("actor-id"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "production name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	sched.register(cmd.Flags())
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List productions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Created")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a production and its schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, st, err := e.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "phase_state": st})
				}
				tw := newTable("Field", "Value")
				tw.AppendRows([]table.Row{
					{"id", p.ID},
					{"name", p.Name},
					{"phase", st.CurrentPhase},
					{"phase updated", st.PhaseUpdatedAt.Format(time.RFC3339)},
					{"location", st.Location},
					{"timezone", st.Timezone},
					{"rehearsal start", deref(st.RehearsalStartDate)},
					{"show end", deref(st.ShowEndDate)},
					{"archive date", archiveDate(st)},
					{"post-show hour", st.PostShowTransitionHour},
					{"auto transitions", st.AutoTransitionsEnabled},
					{"version", st.Version},
				})
				tw.Render()
				return nil
			})
		},
	}
}

// --- schedule ---

// scheduleFlags maps command flags onto a schedule patch; only flags the
// user set are applied.
type scheduleFlags struct {
	location, timezone, rehearsal, showEnd string
	archiveMonth, archiveDay, postShowHour int
	auto                                   bool
}

func (s *scheduleFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&s.location, "location", "", "venue or city")
	fs.StringVar(&s.timezone, "timezone", "", "IANA timezone, e.g. America/New_York")
	fs.StringVar(&s.rehearsal, "rehearsal-start", "", "rehearsal start date YYYY-MM-DD (empty clears)")
	fs.StringVar(&s.showEnd, "show-end", "", "show end date YYYY-MM-DD (empty clears)")
	fs.IntVar(&s.archiveMonth, "archive-month", 0, "archive month 1-12")
	fs.IntVar(&s.archiveDay, "archive-day", 0, "archive day of month")
	fs.IntVar(&s.postShowHour, "post-show-hour", 0, "local hour after show end when POST_SHOW begins")
	fs.BoolVar(&s.auto, "auto-transitions", true, "enter time-driven phases automatically")
}

func (s *scheduleFlags) patch(fs *pflag.FlagSet) engine.SchedulePatch {
	var p engine.SchedulePatch
	if fs.Changed("location") {
		p.Location = &s.location
	}
	if fs.Changed("timezone") {
		p.Timezone = &s.timezone
	}
	if fs.Changed("rehearsal-start") {
		p.RehearsalStartDate = &s.rehearsal
	}
	if fs.Changed("show-end") {
		p.ShowEndDate = &s.showEnd
	}
	if fs.Changed("archive-month") {
		p.ArchiveMonth = &s.archiveMonth
	}
	if fs.Changed("archive-day") {
		p.ArchiveDay = &s.archiveDay
	}
	if fs.Changed("post-show-hour") {
		p.PostShowTransitionHour = &s.postShowHour
	}
	if fs.Changed("auto-transitions") {
		p.AutoTransitionsEnabled = &s.auto
	}
	return p
}

func scheduleCmd() *cobra.Command {
	sc := &cobra.Command{Use: "schedule", Short: "Edit the lifecycle schedule"}
	var sched scheduleFlags
	set := &cobra.Command{
		Use:   "set",
		Short: "Update schedule fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				st, err := e.UpdateSchedule(ctx, projectID, sched.patch(cmd.Flags()), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Schedule of %s updated (version %d)\n", projectID, st.Version)
				return nil
			})
		},
	}
	sched.register(set.Flags())
	sc.AddCommand(set)
	return sc
}

// --- setup ---

func setupCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "setup",
		Short: "Manage setup areas (roles, locations, team, talent)",
	}
	s.AddCommand(setupStatusCmd())
	s.AddCommand(setupAddCmd())
	s.AddCommand(setupRemoveCmd())
	s.AddCommand(setupListCmd())
	s.AddCommand(setupFinalizeCmd(true))
	s.AddCommand(setupFinalizeCmd(false))
	return s
}

func setupStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show finalization of every area",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				areas, err := e.GetSetupAreas(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(areas)
				}
				tw := newTable("Area", "Finalized", "By", "At")
				for _, a := range areas {
					at := ""
					if a.FinalizedAt != nil {
						at = a.FinalizedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{a.Area, a.Finalized, a.FinalizedBy, at})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func setupAddCmd() *cobra.Command {
	var id string
	var active, escort bool
	cmd := &cobra.Command{
		Use:   "add <area> <name>",
		Short: "Add a role template, location, team assignment or talent entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				item, err := e.AddSetupItem(ctx, engine.SetupItemInput{
					ProjectID: projectID,
					Area:      args[0],
					ID:        id,
					Name:      args[1],
					Active:    active,
					Escort:    escort,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(item)
				}
				fmt.Printf("Added %s %q (%s)\n", item.Area, item.Name, item.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "item id (generated when empty)")
	cmd.Flags().BoolVar(&active, "active", false, "team assignment is active")
	cmd.Flags().BoolVar(&escort, "escort", false, "team assignment is an escort")
	return cmd
}

func setupRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <item-id>",
		Short: "Remove a setup item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if err := e.RemoveSetupItem(ctx, projectID, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Removed %s\n", args[0])
				return nil
			})
		},
	}
}

func setupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [area]",
		Short: "List setup items",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			area := ""
			if len(args) == 1 {
				area = args[0]
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListSetupItems(ctx, projectID, area)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Area", "Name", "Active", "Escort")
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Area, it.Name, it.Active, it.Escort})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func setupFinalizeCmd(finalize bool) *cobra.Command {
	use, short := "finalize <area>", "Mark a setup area complete"
	if !finalize {
		use, short = "unfinalize <area>", "Reopen a setup area"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				fn := e.Unfinalize
				if finalize {
					fn = e.Finalize
				}
				rec, err := fn(ctx, projectID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("%s finalized=%v\n", rec.Area, rec.Finalized)
				return nil
			})
		},
	}
}

// --- readiness ---

func readinessCmd() *cobra.Command {
	r := &cobra.Command{Use: "readiness", Short: "Inspect production readiness"}
	var cached bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the readiness snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				snap, err := e.GetReadiness(ctx, projectID, cached)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				printSnapshot(snap)
				return nil
			})
		},
	}
	show.Flags().BoolVar(&cached, "cached", false, "only read the cache; never calculate")

	var reason string
	invalidate := &cobra.Command{
		Use:   "invalidate",
		Short: "Discard the cached snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if err := e.InvalidateReadiness(ctx, projectID, reason, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Readiness of %s invalidated\n", projectID)
				return nil
			})
		},
	}
	invalidate.Flags().StringVar(&reason, "reason", "manual", "diagnostic reason")
	r.AddCommand(show, invalidate)
	return r
}

func printSnapshot(snap domain.ReadinessSnapshot) {
	fmt.Printf("Project %s in %s: %s (calculated %s)\n", snap.ProjectID, snap.Phase, snap.Status, snap.CalculatedAt.Format(time.RFC3339))
	if len(snap.BlockingIssues) > 0 {
		fmt.Printf("Blocking: %s\n", strings.Join(snap.BlockingIssues, ", "))
	}
	c := snap.Counts
	counts := newTable("Area", "Count", "Finalized")
	counts.AppendRows([]table.Row{
		{"roles", c.RoleTemplates, snap.Finalization.Roles},
		{"locations", c.Locations, snap.Finalization.Locations},
		{"team", fmt.Sprintf("%d (%d active, %d escorts)", c.TeamAssignments, c.ActiveTeamAssignments, c.TeamEscorts), snap.Finalization.Team},
		{"talent", c.Talent, snap.Finalization.Talent},
	})
	counts.Render()
	features := newTable("Feature", "Available")
	names := make([]string, 0, len(snap.Features))
	for name := range snap.Features {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		features.AppendRow(table.Row{name, snap.Features[name]})
	}
	features.Render()
}

// --- phase ---

func phaseCmd() *cobra.Command {
	p := &cobra.Command{Use: "phase", Short: "Inspect and move the production phase"}
	p.AddCommand(phaseStatusCmd())
	p.AddCommand(phaseAdvanceCmd())
	p.AddCommand(phaseRevertCmd())
	p.AddCommand(phaseHistoryCmd())
	return p
}

func phaseStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Current phase and what the next transition needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				status, err := e.GetTransitionStatus(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				fmt.Printf("Project %s is in %s since %s\n", projectID, status.CurrentPhase, status.PhaseUpdatedAt.Format(time.RFC3339))
				if status.TargetPhase == nil {
					fmt.Println(status.Reason)
					return nil
				}
				fmt.Printf("Next: %s, can transition: %v (%s)\n", *status.TargetPhase, status.CanTransition, status.Reason)
				for _, b := range status.Blockers {
					fmt.Printf("  - %s\n", b)
				}
				return nil
			})
		},
	}
}

func phaseAdvanceCmd() *cobra.Command {
	var to, reason string
	var override bool
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Move to the next phase (or --to a specific one)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				out, err := e.Execute(ctx, engine.TransitionRequest{
					ProjectID:        projectID,
					TargetPhase:      domain.Phase(strings.ToUpper(to)),
					Trigger:          domain.TriggerManual,
					Reason:           reason,
					ActorID:          viper.GetString("actor-id"),
					OverrideBlockers: override,
				})
				return printOutcome(projectID, out, err)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target phase (defaults to the next one)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in history")
	cmd.Flags().BoolVar(&override, "override", false, "bypass blockers (needs phase.override)")
	return cmd
}

func phaseRevertCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revert",
		Short: "Step back one phase (needs phase.revert)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				out, err := e.Execute(ctx, engine.TransitionRequest{
					ProjectID: projectID,
					Trigger:   domain.TriggerManual,
					Reason:    reason,
					ActorID:   viper.GetString("actor-id"),
					Revert:    true,
				})
				return printOutcome(projectID, out, err)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in history")
	return cmd
}

func printOutcome(projectID string, out engine.TransitionOutcome, err error) error {
	if errors.Is(err, domain.ErrTransitionBlocked) && !viper.GetBool("json") {
		var de *domain.Error
		if errors.As(err, &de) {
			fmt.Println("Transition blocked:")
			if blockers, ok := de.Details["blockers"].([]string); ok {
				for _, b := range blockers {
					fmt.Printf("  - %s\n", b)
				}
			}
		}
		return err
	}
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(out)
	}
	if !out.Applied {
		fmt.Printf("Project %s is already in %s\n", projectID, out.NewPhase)
		return nil
	}
	fmt.Printf("Project %s moved %s -> %s\n", projectID, out.PreviousPhase, out.NewPhase)
	return nil
}

func phaseHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Phase transition history, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.GetTransitionHistory(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("At", "From", "To", "Trigger", "By", "Reason", "Notes")
				for _, h := range items {
					tw.AppendRow(table.Row{h.TransitionedAt.Format(time.RFC3339), h.FromPhase, h.ToPhase, h.Trigger, h.TransitionedBy, h.Reason, historyNotes(h)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func historyNotes(h domain.PhaseTransitionHistory) string {
	var notes []string
	if h.Metadata["revert"] == true {
		notes = append(notes, "revert")
	}
	if h.Metadata["override"] == true {
		notes = append(notes, fmt.Sprintf("override %v", h.Metadata["bypassed_blockers"]))
	}
	return strings.Join(notes, "; ")
}

// --- sweep ---

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Apply due automatic transitions to every opted-in production",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := newTable("Project", "Phase", "Transitions", "Error")
				for _, p := range report.Projects {
					moves := make([]string, 0, len(p.Transitions))
					for _, h := range p.Transitions {
						moves = append(moves, string(h.ToPhase))
					}
					errText := p.Error
					if p.Skipped {
						errText = "skipped (already sweeping)"
					}
					tw.AppendRow(table.Row{p.ProjectID, p.Phase, strings.Join(moves, " -> "), errText})
				}
				tw.AppendFooter(table.Row{"", "", fmt.Sprintf("%d applied", report.Applied), fmt.Sprintf("%d failed", report.Failed)})
				tw.Render()
				return nil
			})
		},
	}
}

// --- log ---

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit event log"}
	var n int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, repo.EventFilter{ProjectID: viper.GetString("project"), Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "At", "Type", "Project", "Actor", "Payload")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ProjectID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	l.AddCommand(tail)
	return l
}

// --- config ---

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration (showline.yml)",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default showline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate showline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	c.AddCommand(initCmd, show, validate)
	return c
}

// --- auth ---

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "API credentials"}
	var name string
	apiKey := &cobra.Command{
		Use:   "apikey",
		Short: "Create an API key for the current actor (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, err := repo.GenerateAPIKey()
				if err != nil {
					return err
				}
				if err := createAPIKey(ctx, e, viper.GetString("actor-id"), name, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"actor_id": viper.GetString("actor-id"), "key": key})
				}
				fmt.Println(key)
				return nil
			})
		},
	}
	apiKey.Flags().StringVar(&name, "name", "", "label for the key")

	keys := &cobra.Command{
		Use:   "keys",
		Short: "List API keys of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Created")
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key of the current actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.DeleteAPIKey(ctx, nil, viper.GetString("actor-id"), args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}

	var ttl time.Duration
	var perms []string
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with SHOWLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime (0 for none)")
	token.Flags().StringSliceVar(&perms, "permission", nil, "permission claim (repeatable)")
	a.AddCommand(apiKey, keys, revoke, token)
	return a
}

func createAPIKey(ctx context.Context, e engine.Engine, actorID, name, key string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, e.Clock()); err != nil {
		return err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID:      uuid.NewString(),
		ActorID: actorID,
		Name:    name,
		KeyHash: repo.HashAPIKey(key),
	}, e.Clock()); err != nil {
		return err
	}
	return tx.Commit()
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacy, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, the periodic sweep and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := app.Open(ctx, viper.GetString("workspace"), engineLogger())
			if err != nil {
				return err
			}
			defer ws.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacy,
				EnableDevLogin:         devLogin,
			}
			if authCfg.JWTSecret == "" && !legacy {
				return fmt.Errorf("SHOWLINE_JWT_SECRET is required unless --allow-legacy-actor-header is set")
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartBackground(ctx, ws.Engine)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Showline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacy, "allow-legacy-actor-header", false, "trust X-Actor-Id without credentials (local only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local only)")
	return cmd
}

// --- helpers ---

func engineLogger() *log.Logger {
	if viper.GetBool("verbose") {
		return log.New(os.Stderr, "showline: ", log.LstdFlags)
	}
	return nil
}

func withWorkspace(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	logger := engineLogger()
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ws, err := app.Open(ctx, viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withWorkspace(ctx, func(ctx context.Context, e engine.Engine) error {
		projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, e, projectID)
	})
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func archiveDate(st domain.PhaseState) string {
	if st.ArchiveMonth == 0 || st.ArchiveDay == 0 {
		return ""
	}
	return fmt.Sprintf("%s %d", time.Month(st.ArchiveMonth), st.ArchiveDay)
}
