package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/queuectl/queuectl/internal/config"
	"github.com/queuectl/queuectl/internal/domain/job"
	"github.com/queuectl/queuectl/internal/observability"
	"github.com/queuectl/queuectl/internal/queue/worker"
	"github.com/queuectl/queuectl/internal/store"
)

const usage = `Usage: queuectl <command> [options]

Commands:
  enqueue [--file f] [--priority n] [--timeout s] [--run-at t] ['<json>']
          add a job to the queue
  list    [--state s] [--verbose]
          list jobs, optionally filtered by state
  status  show job counts per state
  config  get <key> | set <key> <value>
          read or change queue settings (backoff_base, default_max_retries)
  worker  start [--count n] [--foreground]
          run worker loops until interrupted
  dlq     list | retry <job-id>
          inspect the dead-letter queue or requeue a dead job
`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.Load()
	log := observability.NewLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]

	var err error

	switch cmd {
	case "enqueue":
		err = cmdEnqueue(ctx, cfg, log, args)
	case "list":
		err = cmdList(ctx, cfg, log, args)
	case "status":
		err = cmdStatus(ctx, cfg, log)
	case "config":
		err = cmdConfig(ctx, cfg, log, args)
	case "worker":
		err = cmdWorker(ctx, cfg, log, args)
	case "dlq":
		err = cmdDLQ(ctx, cfg, log, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (*store.Store, error) {
	st, err := store.Open(cfg.DBPath, nil, log)
	if err != nil {
		return nil, err
	}

	if err := st.Init(ctx); err != nil {
		st.Close()
		return nil, err
	}

	return st, nil
}

func cmdEnqueue(ctx context.Context, cfg config.Config, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	file := fs.String("file", "", "read the job definition from a JSON file")
	priority := fs.Int("priority", 0, "scheduling priority (higher runs first)")
	timeout := fs.Int("timeout", 0, "per-job execution timeout in seconds")
	runAt := fs.String("run-at", "", "earliest start time (RFC 3339 or 'YYYY-MM-DD HH:MM:SS', UTC)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var raw []byte
	switch {
	case *file != "":
		b, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("read job file: %w", err)
		}
		raw = b
	case fs.NArg() == 1:
		raw = []byte(fs.Arg(0))
	default:
		return errors.New("enqueue needs a JSON argument or --file")
	}

	var req job.SubmitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("parse job JSON: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "priority":
			req.Priority = *priority
		case "timeout":
			req.Timeout = timeout
		case "run-at":
			req.RunAt = *runAt
		}
	})

	if err := validator.New().Struct(req); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	var nextRunAt int64
	if req.RunAt != "" {
		t, err := job.ParseRunAt(req.RunAt)
		if err != nil {
			return fmt.Errorf("invalid run_at %q: %w", req.RunAt, err)
		}
		nextRunAt = t
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	defMax := st.GetConfigInt(ctx, "default_max_retries", 3)

	j := job.New(req, defMax, nextRunAt)
	if err := st.SaveJob(ctx, j); err != nil {
		if errors.Is(err, job.ErrDuplicateID) {
			return fmt.Errorf("job %q already exists", j.ID)
		}
		return err
	}

	fmt.Printf("Enqueued job %s\n", j.ID)
	return nil
}

func cmdList(ctx context.Context, cfg config.Config, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	state := fs.String("state", "", "filter by state (pending, processing, completed, dead)")
	verbose := fs.Bool("verbose", false, "include command, timestamps and last error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *state != "" && !job.State(*state).IsValid() {
		return fmt.Errorf("unknown state %q", *state)
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.ListJobs(ctx, *state)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	for _, j := range jobs {
		printJob(j, *verbose)
	}

	return nil
}

func printJob(j job.Job, verbose bool) {
	fmt.Printf("%-24s %-11s attempts=%d/%d priority=%d\n",
		j.ID, j.State, j.Attempts, j.MaxRetries, j.Priority)

	if !verbose {
		return
	}

	fmt.Printf("    command:  %s\n", j.Command)
	fmt.Printf("    created:  %s  updated: %s\n", j.CreatedAt, j.UpdatedAt)
	if j.NextRunAt > 0 {
		fmt.Printf("    next run: %s\n", time.Unix(j.NextRunAt, 0).UTC().Format(job.TimeLayout))
	}
	if j.Timeout != nil {
		fmt.Printf("    timeout:  %ds\n", *j.Timeout)
	}
	if j.LastError != nil && *j.LastError != "" {
		fmt.Printf("    error:    %s\n", *j.LastError)
	}
}

func cmdStatus(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	counts, err := st.StatsSummary(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Queue status:")
	for _, s := range []job.State{
		job.StatePending, job.StateProcessing, job.StateCompleted, job.StateDead,
	} {
		fmt.Printf("  %-11s %d\n", s, counts[string(s)])
	}
	fmt.Printf("  %-11s %d\n", "total", counts["total"])

	return nil
}

func cmdConfig(ctx context.Context, cfg config.Config, log *slog.Logger, args []string) error {
	if len(args) < 1 {
		return errors.New("config needs a subcommand: get <key> | set <key> <value>")
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	switch args[0] {
	case "get":
		if len(args) != 2 {
			return errors.New("usage: queuectl config get <key>")
		}
		v, err := st.GetConfig(ctx, args[1])
		if err != nil {
			return err
		}
		if v == "" {
			return fmt.Errorf("no such setting %q", args[1])
		}
		fmt.Printf("%s = %s\n", args[1], v)
		return nil

	case "set":
		if len(args) != 3 {
			return errors.New("usage: queuectl config set <key> <value>")
		}
		if err := st.SetConfig(ctx, args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("Set %s = %s\n", args[1], args[2])
		return nil

	default:
		return fmt.Errorf("unknown config subcommand %q", args[0])
	}
}

func cmdWorker(ctx context.Context, cfg config.Config, log *slog.Logger, args []string) error {
	if len(args) < 1 || args[0] != "start" {
		return errors.New("usage: queuectl worker start [--count n] [--foreground]")
	}

	fs := flag.NewFlagSet("worker start", flag.ExitOnError)
	count := fs.Int("count", cfg.WorkerCount, "number of concurrent worker loops")
	foreground := fs.Bool("foreground", false, "run a single loop on this goroutine")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	return worker.RunSupervised(ctx, worker.SupervisorConfig{
		DBPath:        cfg.DBPath,
		Count:         *count,
		Foreground:    *foreground,
		PollInterval:  cfg.PollInterval,
		ShutdownGrace: cfg.ShutdownGrace,
	}, log)
}

func cmdDLQ(ctx context.Context, cfg config.Config, log *slog.Logger, args []string) error {
	if len(args) < 1 {
		return errors.New("dlq needs a subcommand: list | retry <job-id>")
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	switch args[0] {
	case "list":
		jobs, err := st.ListJobs(ctx, string(job.StateDead))
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("Dead-letter queue is empty.")
			return nil
		}
		sort.Slice(jobs, func(i, k int) bool { return jobs[i].UpdatedAt < jobs[k].UpdatedAt })
		for _, j := range jobs {
			printJob(j, true)
		}
		return nil

	case "retry":
		if len(args) != 2 {
			return errors.New("usage: queuectl dlq retry <job-id>")
		}
		if err := st.RequeueDead(ctx, args[1]); err != nil {
			switch {
			case errors.Is(err, job.ErrNotFound):
				return fmt.Errorf("job %q not found", args[1])
			case errors.Is(err, job.ErrNotDead):
				return fmt.Errorf("job %q is not in the dead-letter queue", args[1])
			default:
				return err
			}
		}
		fmt.Printf("Requeued job %s\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown dlq subcommand %q", args[0])
	}
}
