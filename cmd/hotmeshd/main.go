// Command hotmeshd runs a single HotMesh engine against a Redis backend: it
// deploys a trigger->worker graph, registers the worker in-process, starts
// the engine, publishes one job, and prints its result. It exists to prove
// out the wiring end to end, the same role the teacher's cmd/demo serves
// for its own runtime, and to exercise pkg/hotmesh's public surface rather
// than internal/orchestrator directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hotmeshio/hotmesh-go/internal/config"
	"github.com/hotmeshio/hotmesh-go/internal/store/redispulse"
	"github.com/hotmeshio/hotmesh-go/internal/telemetry"
	"github.com/hotmeshio/hotmesh-go/pkg/hotmesh"
)

const appID = "hotmesh.demo"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hotmeshd:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisURL := os.Getenv("HMSH_REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://127.0.0.1:6379/0"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("parse %s: %w", redisURL, err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	cfg := config.FromEnv()
	logger := telemetry.NewNoopLogger()
	if cfg.Telemetry == "clue" {
		logger = telemetry.NewClueLogger()
	}

	client, err := hotmesh.New(ctx,
		hotmesh.WithStore(redispulse.New(rdb)),
		hotmesh.WithNamespace("hmsh"),
		hotmesh.WithAppID(appID),
		hotmesh.WithRedis(rdb),
		hotmesh.WithConfig(cfg),
		hotmesh.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}

	if err := deployDemoApp(ctx, client); err != nil {
		return fmt.Errorf("deploy: %w", err)
	}

	client.RegisterWorker("demo.greet", func(ctx context.Context, input map[string]any) (map[string]any, int, error) {
		name, _ := input["name"].(string)
		if name == "" {
			name = "world"
		}
		return map[string]any{"greeting": "hello, " + name}, 200, nil
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- client.Start(runCtx, appID) }()
	defer func() {
		client.Stop()
		cancelRun()
		<-done
	}()

	// Give the just-launched quorum listener a moment to subscribe before
	// broadcasting the activation this same engine must also vote on.
	time.Sleep(200 * time.Millisecond)
	if err := client.Activate(ctx, appID, "1", hotmesh.CacheModeCache); err != nil {
		return fmt.Errorf("activate: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := client.PubSub(pubCtx, "demo.greet", map[string]any{"name": "HotMesh"})
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}
	fmt.Println("result:", out)
	return nil
}

// deployDemoApp deploys a minimal trigger->worker graph under appID version
// "1": every published "demo.greet" job fans straight through to the
// registered worker and completes.
func deployDemoApp(ctx context.Context, client *hotmesh.Client) error {
	app := &hotmesh.App{
		AppID:   appID,
		Version: "1",
		Graphs: []hotmesh.Graph{
			{
				Subscribes: "demo.greet",
				Activities: []hotmesh.Activity{
					{
						AID:         "t1",
						Type:        hotmesh.TypeTrigger,
						Transitions: []hotmesh.Transition{{To: "w1"}},
					},
					{
						AID:    "w1",
						Type:   hotmesh.TypeWorker,
						Worker: "demo.greet",
					},
				},
			},
		},
	}
	return client.Deploy(ctx, app)
}
