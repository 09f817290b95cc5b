package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"layerqa/internal/config"
	"layerqa/internal/db"
	"layerqa/internal/engine"
	"layerqa/internal/feature"
	"layerqa/internal/migrate"
	"layerqa/internal/repo"
	"layerqa/internal/report"
	"layerqa/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "lqa",
	Short: "Layerqa CLI",
	Long: `Layerqa runs quality-assurance checks against hosted feature layers.
It fetches a layer's schema and records from the configured feature service,
then checks for:
- NULL values in required fields
- Duplicate values where duplicates are not expected
- Attribute values outside a field's coded-value domain
- Records with missing geometry
Findings are written as a CSV report and recorded in the workspace database
(.layerqa/) for later inspection with 'lqa runs'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LAYERQA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(layerCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	var checks []string
	var outDir string
	var skipReport bool
	cmd := &cobra.Command{
		Use:   "run [layer]",
		Short: "Run QA checks on a layer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layer := ""
			if len(args) == 1 {
				layer = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Run(ctx, engine.RunOptions{
					Layer:      layer,
					Checks:     checks,
					OutDir:     outDir,
					SkipReport: skipReport,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Connected to layer: %s\n", res.Run.LayerName)
				fmt.Printf("Layer consists of %d records.\n", res.Run.RecordCount)
				if len(res.Findings) == 0 {
					fmt.Println("No issues found.")
					return nil
				}
				report.RenderTable(os.Stdout, res.Findings)
				fmt.Printf("%d issues found.\n", len(res.Findings))
				if res.Run.ReportPath != "" {
					fmt.Printf("QA report saved to: %s\n", res.Run.ReportPath)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&checks, "checks", nil, "checks to run (null, duplicate, domain, geometry)")
	cmd.Flags().StringVar(&outDir, "out", "", "report output directory (overrides config)")
	cmd.Flags().BoolVar(&skipReport, "skip-report", false, "do not write a CSV report")
	return cmd
}

func layerCmd() *cobra.Command {
	layer := &cobra.Command{
		Use:   "layer",
		Short: "Inspect feature layers",
	}
	layer.AddCommand(layerInspectCmd())
	return layer
}

func layerInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [layer]",
		Short: "Show a layer's fields and derived policies",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layer := ""
			if len(args) == 1 {
				layer = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				schema, policies, err := e.ResolveLayerPolicies(ctx, layer)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"layer_name": schema.LayerName,
						"fields":     policies.Fields(),
					})
				}
				fmt.Printf("Fields in layer '%s':\n", schema.LayerName)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Type", "Required", "Dup Excluded", "Domain Codes"})
				for _, f := range schema.Fields {
					p := policies.Lookup(f.Name)
					tw.AppendRow(table.Row{f.Name, f.Type, p.Required, p.DupExcluded, len(p.DomainCodes)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded QA runs",
	}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	runs.AddCommand(runsFindingsCmd())
	runs.AddCommand(runsEventsCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var layerID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, layerID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Layer", "Records", "Findings", "Status", "Started"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.LayerName, run.RecordCount, run.FindingCount, run.Status, run.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&layerID, "layer", "", "layer id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runsFindingsCmd() *cobra.Command {
	var issueType, field string
	cmd := &cobra.Command{
		Use:   "findings <run-id>",
		Short: "List the findings of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetRun(ctx, args[0]); err != nil {
					return err
				}
				findings, err := r.ListFindings(ctx, repo.FindingFilters{
					RunID:     args[0],
					IssueType: issueType,
					Field:     field,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(findings)
				}
				report.RenderTable(os.Stdout, findings)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&issueType, "issue-type", "", "issue type filter")
	cmd.Flags().StringVar(&field, "field", "", "field name filter")
	return cmd
}

func runsEventsCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "events [run-id]",
		Short: "Tail the run event log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, n, runID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{
		Use:   "report",
		Short: "Work with QA reports",
	}
	rep.AddCommand(reportExportCmd())
	return rep
}

func reportExportCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Re-export a run's CSV report from the workspace database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				findings, err := r.ListFindings(ctx, repo.FindingFilters{RunID: run.ID})
				if err != nil {
					return err
				}
				generatedAt, err := time.Parse(time.RFC3339, run.StartedAt)
				if err != nil {
					generatedAt = time.Now().UTC()
				}
				dir := outDir
				if dir == "" {
					cfg, err := config.Load(viper.GetString("workspace"))
					if err != nil {
						return err
					}
					dir = cfg.OutputDir()
				}
				path, err := report.WriteFile(dir, run.LayerName, generatedAt, findings)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"path": path})
				}
				fmt.Printf("QA report saved to: %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (overrides config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var serviceURL string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default layerqa.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serviceURL == "" {
				return fmt.Errorf("--service-url required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(serviceURL)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&serviceURL, "service-url", "", "feature service base URL")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("LAYERQA_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					fmt.Println("warning: LAYERQA_JWT_SECRET not set; API auth disabled")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving layerqa API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	client := feature.New(cfg.Service.URL)
	client.Token = cfg.Token()
	if cfg.Service.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(cfg.Service.TimeoutSeconds) * time.Second
	}
	e := engine.New(conn, client, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
