package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/taskflow"
	"github.com/deepnoodle-ai/taskflow/internal/telemetry"
	"github.com/deepnoodle-ai/taskflow/postgres"
	"github.com/deepnoodle-ai/taskflow/tasks"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

type runFlags struct {
	file     string
	params   []string
	workers  int
	noPurge  bool
	json     bool
	timeout  time.Duration
	runID    string
	logsDir  string
	execsDir string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	global := &globalFlags{}
	root := &cobra.Command{
		Use:           "taskflow",
		Short:         "Run task graphs with checkpoint caching and eager result purging",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&global.configPath, "config", "", "Path to a YAML config file")
	root.PersistentFlags().StringVar(&global.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&global.logFormat, "log-format", "", "Log format (text or json)")

	root.AddCommand(newRunCommand(global))
	root.AddCommand(newRunsCommand(global))
	root.AddCommand(newInspectCommand(global))
	return root
}

func loadConfig(global *globalFlags) (*taskflow.Config, error) {
	cfg, err := taskflow.LoadConfig(global.configPath)
	if err != nil {
		return nil, err
	}
	if global.logLevel != "" {
		cfg.LogLevel = global.logLevel
	}
	if global.logFormat != "" {
		cfg.LogFormat = global.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *taskflow.Config) *slog.Logger {
	level, _ := taskflow.ParseLogLevel(cfg.LogLevel)
	if cfg.LogFormat == "json" {
		return taskflow.NewJSONLoggerWithLevel(os.Stderr, level)
	}
	return taskflow.NewLoggerWithLevel(os.Stderr, level)
}

func newRunCommand(global *globalFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a graph definition",
		Example: `  taskflow run -f graph.yaml
  taskflow run -f graph.hcl -p sample=s1 -p count=5 --workers 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = flags.workers
			}
			if flags.noPurge {
				cfg.DisablePurge = true
			}
			if flags.logsDir != "" {
				cfg.LogsDir = flags.logsDir
			}
			if flags.execsDir != "" {
				cfg.ExecutionsDir = flags.execsDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			params, err := parseParams(flags.params)
			if err != nil {
				return err
			}
			return runGraph(cmd.Context(), cfg, flags, params)
		},
	}
	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "Path to the YAML or HCL graph definition (required)")
	cmd.Flags().StringArrayVarP(&flags.params, "param", "p", nil, "Run parameter in format key=value (repeatable)")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "Number of concurrent workers")
	cmd.Flags().BoolVar(&flags.noPurge, "no-purge", false, "Keep every task result in memory until the run ends")
	cmd.Flags().BoolVar(&flags.json, "json", false, "Print the final run state as JSON")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "Run timeout (e.g. 30s, 5m)")
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "Run ID to use instead of a generated one")
	cmd.Flags().StringVar(&flags.logsDir, "logs", "", "Directory for per-run task logs")
	cmd.Flags().StringVar(&flags.execsDir, "executions", "", "Directory for native run checkpoints")
	cmd.MarkFlagRequired("file")
	return cmd
}

// parseParams parses key=value pairs. Values are decoded as JSON when
// possible and kept as strings otherwise.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, use key=value", pair)
		}
		var parsed any
		decoder := json.NewDecoder(strings.NewReader(value))
		decoder.UseNumber()
		if err := decoder.Decode(&parsed); err != nil || decoder.More() {
			params[key] = value
			continue
		}
		params[key] = normalizeJSON(parsed)
	}
	return params, nil
}

func normalizeJSON(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case []any:
		for i, item := range v {
			v[i] = normalizeJSON(item)
		}
		return v
	case map[string]any:
		for k, item := range v {
			v[k] = normalizeJSON(item)
		}
		return v
	default:
		return value
	}
}

func definitionOptions(ctx context.Context, cfg *taskflow.Config, logger *slog.Logger) (taskflow.DefinitionOptions, func(), error) {
	opts := taskflow.DefinitionOptions{
		Factories: tasks.Builtins(),
		Stores:    map[string]taskflow.StoreFactory{},
		Logger:    logger,
	}
	if cfg.PostgresDSN == "" {
		return opts, func() {}, nil
	}
	db, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return opts, nil, err
	}
	var once sync.Once
	var migrateErr error
	opts.Stores["postgres"] = func(def *taskflow.CheckpointDefinition) (taskflow.Store, error) {
		shape, err := def.TableShape()
		if err != nil {
			return nil, err
		}
		store, err := postgres.NewStore(postgres.StoreOptions{DB: db, Path: def.Path, Shape: shape, Logger: logger})
		if err != nil {
			return nil, err
		}
		once.Do(func() { migrateErr = store.Migrate(ctx) })
		if migrateErr != nil {
			return nil, migrateErr
		}
		return store, nil
	}
	return opts, func() { db.Close() }, nil
}

func runGraph(ctx context.Context, cfg *taskflow.Config, flags *runFlags, params map[string]any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if flags.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.timeout)
		defer cancel()
	}

	logger := newLogger(cfg)
	tracerProvider, shutdown, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, "taskflow")
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	opts, closeStores, err := definitionOptions(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	graph, err := taskflow.LoadFile(flags.file, opts)
	if err != nil {
		return err
	}
	if !flags.json {
		color.Cyan("Graph: %s (%d tasks)", graph.Name(), len(graph.Tasks()))
	}

	var handlers []taskflow.StateHandler
	if usesCheckpointStores(graph) {
		handlers = append(handlers, taskflow.NewCheckpointHandler(taskflow.CheckpointHandlerOptions{
			Logger:              logger,
			NativeCheckpointing: cfg.NativeCheckpointingEnabled,
		}))
	}
	var checkpointer taskflow.Checkpointer
	if cfg.NativeCheckpointingEnabled() {
		fileCheckpointer, err := taskflow.NewFileCheckpointer(cfg.ExecutionsDir)
		if err != nil {
			return err
		}
		checkpointer = fileCheckpointer
	}
	var taskLogger taskflow.TaskLogger
	if cfg.LogsDir != "" {
		taskLogger = taskflow.NewFileTaskLogger(cfg.LogsDir)
	}

	executor, err := taskflow.NewExecutor(taskflow.ExecutorOptions{
		Graph:          graph,
		Workers:        cfg.Workers,
		Logger:         logger,
		StateHandlers:  handlers,
		DisablePurge:   cfg.DisablePurge,
		Checkpointer:   checkpointer,
		TaskLogger:     taskLogger,
		TracerProvider: tracerProvider,
	})
	if err != nil {
		return err
	}

	runID := flags.runID
	if runID == "" {
		runID = taskflow.NewRunID()
	}
	if !flags.json {
		color.Green("Starting run %s", runID)
	}
	run, runErr := executor.RunWithID(ctx, runID, params)
	if run == nil {
		return runErr
	}
	if flags.json {
		data, err := json.MarshalIndent(run.Checkpoint(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return runErr
	}
	showRun(run)
	return runErr
}

func usesCheckpointStores(graph *taskflow.Graph) bool {
	for _, task := range graph.Tasks() {
		if task.Checkpoint != nil {
			return true
		}
	}
	return false
}

func showRun(run *taskflow.Run) {
	duration := run.EndTime().Sub(run.StartTime()).Round(time.Millisecond)
	if run.Err() != nil {
		color.Red("Run %s failed in %v: %v", run.ID(), duration, run.Err())
	} else {
		color.Green("Run %s succeeded in %v", run.ID(), duration)
	}
	for _, task := range run.Graph().SortedTasks() {
		state, ok := run.State(task)
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %-24s %-10s", task.Name, state.Status)
		switch {
		case state.Cached:
			line += " " + state.Message
		case state.IsPurged():
			line += " (result purged)"
		case state.IsSuccessful():
			if data, err := json.Marshal(state.Result.Value()); err == nil && len(data) <= 80 {
				line += " " + string(data)
			}
		case state.Error != nil:
			line += " " + state.Error.Error()
		}
		if state.IsSuccessful() {
			fmt.Println(line)
		} else {
			color.Red("%s", line)
		}
	}
}

func newRunsCommand(global *globalFlags) *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Inspect natively checkpointed runs",
	}
	var dir string
	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List checkpointed runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			if dir != "" {
				cfg.ExecutionsDir = dir
			}
			checkpointer, err := taskflow.NewFileCheckpointer(cfg.ExecutionsDir)
			if err != nil {
				return err
			}
			summaries, err := checkpointer.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				data, err := json.MarshalIndent(summaries, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			if len(summaries) == 0 {
				color.Blue("No runs in %s", checkpointer.Dir())
				return nil
			}
			for _, s := range summaries {
				line := fmt.Sprintf("%s  %-16s %-10s %3d tasks  %3d cached  %3d purged  %v",
					s.RunID, s.GraphName, s.Status, s.Tasks, s.Cached, s.Purged, s.Duration.Round(time.Millisecond))
				if s.Error != "" {
					color.Red("%s", line)
				} else {
					fmt.Println(line)
				}
			}
			return nil
		},
	}
	list.Flags().StringVar(&dir, "executions", "", "Directory holding native run checkpoints")
	list.Flags().BoolVar(&asJSON, "json", false, "Print the runs as JSON")
	runs.AddCommand(list)
	return runs
}

func newInspectCommand(global *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Validate a graph definition and show its tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			def, err := taskflow.ReadDefinitionFile(file)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			opts := taskflow.DefinitionOptions{
				Factories: tasks.Builtins(),
				Stores: map[string]taskflow.StoreFactory{
					"postgres": func(d *taskflow.CheckpointDefinition) (taskflow.Store, error) {
						return taskflow.NewMemoryStore(d.Path)
					},
				},
				Logger: logger,
			}
			graph, err := def.Compile(opts)
			if err != nil {
				return err
			}
			showGraph(def, graph)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to the YAML or HCL graph definition (required)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func showGraph(def *taskflow.Definition, graph *taskflow.Graph) {
	color.Cyan("Graph: %s", graph.Name())
	if def.Description != "" {
		fmt.Printf("  %s\n", def.Description)
	}
	if len(def.Parameters) > 0 {
		color.Blue("Parameters:")
		for _, p := range def.Parameters {
			suffix := " (required)"
			if p.Default != nil {
				data, _ := json.Marshal(p.Default)
				suffix = fmt.Sprintf(" [default: %s]", data)
			}
			fmt.Printf("  %s%s\n", p.Name, suffix)
			if p.Description != "" {
				fmt.Printf("    %s\n", p.Description)
			}
		}
	}
	color.Blue("Tasks (execution order):")
	checkpoints := map[string]*taskflow.CheckpointDefinition{}
	for _, t := range def.Tasks {
		if t.Checkpoint != nil {
			checkpoints[t.Name] = t.Checkpoint
		}
	}
	for _, task := range graph.SortedTasks() {
		if task.IsParameter() {
			continue
		}
		edges, _ := graph.EdgesInto(task)
		inputs := make([]string, 0, len(edges))
		for _, edge := range edges {
			input := fmt.Sprintf("%s=%s", edge.Key, edge.Upstream.Name)
			if edge.Mapped {
				input += "[*]"
			}
			inputs = append(inputs, input)
		}
		sort.Strings(inputs)
		line := fmt.Sprintf("  %s", task.Name)
		if len(inputs) > 0 {
			line += fmt.Sprintf(" <- %s", strings.Join(inputs, ", "))
		}
		if cp, ok := checkpoints[task.Name]; ok {
			store := cp.Store
			if store == "" {
				store = taskflow.DefaultStoreKind
			}
			line += fmt.Sprintf("  checkpoint: %s (%s)", cp.Path, store)
		}
		fmt.Println(line)
	}
}
