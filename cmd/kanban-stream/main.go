package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentworkforce/kanbanstream/internal/kanban"
	"github.com/agentworkforce/kanbanstream/internal/patchstream"
)

const usage = `usage:
  kanban-stream [watch] [flags]          follow one or more patch streams
  kanban-stream branch-status -id ATTEMPT
  kanban-stream rebase -id ATTEMPT -repo REPO [-old-base BRANCH] -new-base BRANCH
  kanban-stream cherry-pick -id ATTEMPT -repo REPO -branch NEW -base BRANCH`

func main() {
	args := os.Args[1:]
	command := "watch"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM, unix.SIGHUP)
	defer stop()

	var err error
	switch command {
	case "watch":
		err = runWatchCommand(rootCtx, args)
	case "branch-status", "rebase", "cherry-pick":
		err = runGitCommand(rootCtx, command, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("kanban-stream %s: %v", command, err)
	}
}

type commonFlags struct {
	baseURL *string
	token   *string
}

func registerCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		baseURL: fs.String("base-url", envOrDefault("KANBAN_STREAM_BASE_URL", "http://127.0.0.1:3000"), "backend base URL"),
		token:   fs.String("token", strings.TrimSpace(os.Getenv("KANBAN_STREAM_TOKEN")), "bearer token"),
	}
}

func runWatchCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	common := registerCommonFlags(fs)
	kind := fs.String("kind", envOrDefault("KANBAN_STREAM_KIND", ""), "stream kind: diff, workspaces or raw-logs")
	id := fs.String("id", strings.TrimSpace(os.Getenv("KANBAN_STREAM_ID")), "attempt or execution process ID")
	statsOnly := fs.String("stats-only", strings.TrimSpace(os.Getenv("KANBAN_STREAM_STATS_ONLY")), "diff streams only: true or false")
	transport := fs.String("transport", envOrDefault("KANBAN_STREAM_TRANSPORT", "ws"), "stream transport: ws or sse")
	snapshotDSN := fs.String("snapshot-dsn", strings.TrimSpace(os.Getenv("KANBAN_STREAM_SNAPSHOT_DSN")), "snapshot backend DSN (memory://, file://, postgres://)")
	gitDir := fs.String("git-dir", strings.TrimSpace(os.Getenv("KANBAN_STREAM_GIT_DIR")), "worktree whose ref moves refresh diff streams")
	configPath := fs.String("config", strings.TrimSpace(os.Getenv("KANBAN_STREAM_CONFIG")), "YAML file listing streams")
	maxAttempts := fs.Int("max-attempts", intEnv("KANBAN_STREAM_MAX_ATTEMPTS", 0), "reconnect attempts before giving up (0 retries forever)")
	backoffBase := fs.Duration("backoff-base", durationEnv("KANBAN_STREAM_BACKOFF_BASE", time.Second), "first reconnect delay")
	backoffMax := fs.Duration("backoff-max", durationEnv("KANBAN_STREAM_BACKOFF_MAX", 8*time.Second), "reconnect delay cap")
	backoffJitter := fs.Float64("backoff-jitter", floatEnv("KANBAN_STREAM_BACKOFF_JITTER", 0.2), "reconnect jitter ratio (0.0-1.0)")
	once := fs.Bool("once", false, "exit once every stream is initialized; fail if one ends or gives up first")
	_ = fs.Parse(args)

	cfg := watchConfig{
		BaseURL:     *common.baseURL,
		Token:       *common.token,
		Transport:   *transport,
		SnapshotDSN: *snapshotDSN,
		GitDir:      *gitDir,
		Once:        *once,
		Backoff: patchstream.Backoff{
			MaxAttempts: *maxAttempts,
			BaseDelay:   *backoffBase,
			MaxDelay:    *backoffMax,
			Multiplier:  2,
			Jitter:      *backoffJitter,
		},
	}
	if strings.TrimSpace(*kind) != "" {
		spec := streamSpec{Kind: *kind, ID: *id}
		if strings.TrimSpace(*statsOnly) != "" {
			value, err := strconv.ParseBool(strings.TrimSpace(*statsOnly))
			if err != nil {
				return fmt.Errorf("invalid -stats-only %q: %w", *statsOnly, err)
			}
			spec.StatsOnly = &value
		}
		cfg.Streams = append(cfg.Streams, spec)
	}
	if strings.TrimSpace(*configPath) != "" {
		file, err := loadConfigFile(*configPath)
		if err != nil {
			return err
		}
		cfg = mergeConfig(cfg, file, setFlags(fs))
	}
	if len(cfg.Streams) == 0 {
		return fmt.Errorf("no streams: pass -kind (or KANBAN_STREAM_KIND) or list streams in -config")
	}

	dialer, err := buildDialer(cfg.Transport, cfg.BaseURL, cfg.Token)
	if err != nil {
		return err
	}
	return runWatch(ctx, cfg, dialer, os.Stdout, log.Default())
}

func buildDialer(transport, baseURL, token string) (patchstream.Dialer, error) {
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case "", "ws", "websocket":
		return patchstream.NewWebSocketDialer(baseURL, token, nil), nil
	case "sse":
		return patchstream.NewSSEDialer(baseURL, token, nil), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q (want ws or sse)", transport)
	}
}

func setFlags(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func runGitCommand(ctx context.Context, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	common := registerCommonFlags(fs)
	attemptID := fs.String("id", strings.TrimSpace(os.Getenv("KANBAN_STREAM_ID")), "task attempt ID")
	repoID := fs.String("repo", strings.TrimSpace(os.Getenv("KANBAN_STREAM_REPO_ID")), "repository ID")
	oldBase := fs.String("old-base", "", "rebase: current base branch")
	newBase := fs.String("new-base", "", "rebase: new base branch")
	branch := fs.String("branch", "", "cherry-pick: new branch name")
	base := fs.String("base", "", "cherry-pick: base branch")
	timeout := fs.Duration("timeout", durationEnv("KANBAN_STREAM_TIMEOUT", 15*time.Second), "REST request timeout")
	_ = fs.Parse(args)

	if strings.TrimSpace(*attemptID) == "" {
		return fmt.Errorf("id is required (-id or KANBAN_STREAM_ID)")
	}
	client := kanban.NewClient(*common.baseURL, *common.token, &http.Client{Timeout: *timeout}, kanban.ClientOptions{
		Logger: log.Default(),
	})
	out := newJSONLineWriter(os.Stdout)

	switch command {
	case "branch-status":
		statuses, err := client.GetBranchStatus(ctx, *attemptID)
		if err != nil {
			return err
		}
		return out.write(statuses)
	case "rebase":
		if strings.TrimSpace(*repoID) == "" {
			return fmt.Errorf("repo is required (-repo or KANBAN_STREAM_REPO_ID)")
		}
		err := client.Rebase(ctx, *attemptID, kanban.RebaseRequest{
			RepoID:        strings.TrimSpace(*repoID),
			OldBaseBranch: strings.TrimSpace(*oldBase),
			NewBaseBranch: strings.TrimSpace(*newBase),
		})
		if err != nil {
			return err
		}
		log.Printf("rebased attempt %s", *attemptID)
		return nil
	default:
		if strings.TrimSpace(*repoID) == "" || strings.TrimSpace(*branch) == "" {
			return fmt.Errorf("repo and branch are required")
		}
		resp, err := client.CherryPickToNewBranch(ctx, *attemptID, kanban.CherryPickToNewBranchRequest{
			RepoID:        strings.TrimSpace(*repoID),
			NewBranchName: strings.TrimSpace(*branch),
			BaseBranch:    strings.TrimSpace(*base),
		})
		if err != nil {
			return err
		}
		return out.write(resp)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
