package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-wms/internal/catalog"
	"github.com/odyssey-erp/odyssey-wms/jobs"
)

// Env carries process-level settings for CLI commands.
type Env struct {
	RedisAddr string
	Stdout    io.Writer
	Stderr    io.Writer

	// overridable in tests
	newJobs  func(redisAddr string) (*JobsCLI, error)
	newRedis func(redisAddr string) *redis.Client
}

const usage = `usage:
  odyssey jobs commit-staging -tenant ID [-source FILE] [-limit N]
  odyssey jobs check-ledger [-limit N]
  odyssey jobs queue
  odyssey jobs scheduled [-size N]
  odyssey catalog bump-cache
`

// Run executes a CLI command and returns the process exit code.
func Run(ctx context.Context, env Env, args []string) int {
	if env.newJobs == nil {
		env.newJobs = NewJobsCLI
	}
	if env.newRedis == nil {
		env.newRedis = func(addr string) *redis.Client { return redis.NewClient(&redis.Options{Addr: addr}) }
	}
	if len(args) < 2 {
		fmt.Fprint(env.Stderr, usage)
		return 2
	}
	switch args[0] {
	case "jobs":
		return runJobs(ctx, env, args[1], args[2:])
	case "catalog":
		if args[1] != "bump-cache" {
			break
		}
		client := env.newRedis(env.RedisAddr)
		defer client.Close()
		if err := catalog.NewCache(client, 0).Bump(ctx); err != nil {
			fmt.Fprintf(env.Stderr, "bump catalog cache: %v\n", err)
			return 1
		}
		fmt.Fprintln(env.Stdout, "catalog cache invalidated")
		return 0
	}
	fmt.Fprint(env.Stderr, usage)
	return 2
}

func runJobs(ctx context.Context, env Env, cmd string, args []string) int {
	fs := flag.NewFlagSet("jobs "+cmd, flag.ContinueOnError)
	fs.SetOutput(env.Stderr)
	tenant := fs.Int64("tenant", 0, "tenant id")
	source := fs.String("source", "", "restrict to one source file")
	limit := fs.Int("limit", 0, "row limit (0 = default)")
	size := fs.Int("size", 10, "page size")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client, err := env.newJobs(env.RedisAddr)
	if err != nil {
		fmt.Fprintf(env.Stderr, "%v\n", err)
		return 1
	}
	defer client.Close()

	var out any
	switch cmd {
	case "commit-staging":
		if *tenant <= 0 {
			fmt.Fprintln(env.Stderr, "-tenant is required")
			return 2
		}
		info, err := client.TriggerStagingCommit(ctx, jobs.StagingCommitPayload{TenantID: *tenant, SourceFileName: *source, Limit: *limit})
		if err != nil {
			fmt.Fprintf(env.Stderr, "enqueue staging commit: %v\n", err)
			return 1
		}
		out = map[string]string{"id": info.ID, "queue": info.Queue, "type": info.Type}
	case "check-ledger":
		info, err := client.TriggerLedgerIntegrity(ctx, *limit)
		if err != nil {
			fmt.Fprintf(env.Stderr, "enqueue ledger check: %v\n", err)
			return 1
		}
		out = map[string]string{"id": info.ID, "queue": info.Queue, "type": info.Type}
	case "queue":
		stats, err := client.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(env.Stderr, "inspect queue: %v\n", err)
			return 1
		}
		out = stats
	case "scheduled":
		tasks, err := client.ListScheduled(ctx, *size)
		if err != nil {
			fmt.Fprintf(env.Stderr, "list scheduled: %v\n", err)
			return 1
		}
		list := make([]map[string]string, 0, len(tasks))
		for _, t := range tasks {
			list = append(list, map[string]string{"id": t.ID, "type": t.Type, "payload": string(t.Payload)})
		}
		out = list
	default:
		fmt.Fprint(env.Stderr, usage)
		return 2
	}

	enc := json.NewEncoder(env.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return 1
	}
	return 0
}
