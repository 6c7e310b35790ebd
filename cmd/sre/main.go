// Command sre is a minimal REPL host for the runtime, grounded directly on
// cmd/at/main.go's into.Init/config.Load/agent-loop shape: where the
// teacher wires one hardcoded MCP client and Antropic provider, this host
// builds the bus from the Configuration object and drives one demo agent
// through it.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/at/internal/agent"
	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/gateway"
	"github.com/rakunlabs/at/internal/smythfs"
	"github.com/rakunlabs/at/pkg/mcp"
	"github.com/rakunlabs/at/pkg/sre"
)

var (
	name    = "sre"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rt, err := sre.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	defer rt.Stop(ctx)

	llmConfig := cfg.Connectors["LLM"]
	requester, err := rt.LLM(llmConfig.Connector)
	if err != nil {
		return fmt.Errorf("no LLM connector configured (set connectors.LLM): %w", err)
	}
	model, _ := llmConfig.Settings["Model"].(string)

	a := agent.New(agent.Spec{
		ID:       "demo",
		Name:     "demo agent",
		Behavior: "You are a terse assistant running inside a local Smyth Runtime Environment instance.",
		Model:    model,
		Skills: []agent.Skill{
			{
				Name:        "current_time",
				Description: "returns the current server time in RFC3339",
				Handler: func(context.Context, map[string]any) (string, error) {
					return time.Now().Format(time.RFC3339), nil
				},
			},
		},
	}, requester, nil)

	slog.Info("agent ready", "id", a.Spec.ID, "llm", llmConfig.Connector)

	storageConfig := cfg.Connectors["Storage"]
	store, err := rt.Storage(storageConfig.Connector)
	if err != nil {
		return fmt.Errorf("no Storage connector configured (set connectors.Storage): %w", err)
	}
	cacheConfig := cfg.Connectors["Cache"]
	cacheConn, err := rt.Cache(cacheConfig.Connector)
	if err != nil {
		return fmt.Errorf("no Cache connector configured (set connectors.Cache): %w", err)
	}

	mcpServer := mcp.New()
	a.RegisterMCPTools(mcpServer)

	fs := smythfs.New(store, cacheConn, cfg.Server.PublicBase)
	gw := gateway.New(cfg.Server, config.Service, fs, mcpServer)
	go func() {
		if err := gw.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("gateway stopped", "error", err)
		}
	}()
	slog.Info("gateway listening", "host", cfg.Server.Host, "port", cfg.Server.Port, "basePath", cfg.Server.BasePath)

BREAK_LOOP:
	for {
		fmt.Print("Enter your message (or 'quit' to exit): ")
		inputChan := make(chan string, 1)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			if scanner.Scan() {
				inputChan <- scanner.Text()
			} else {
				inputChan <- "quit"
			}
		}()
		select {
		case message := <-inputChan:
			if message == "quit" {
				break BREAK_LOOP
			}
			reply, err := a.Prompt(ctx, message, "")
			if err != nil {
				return fmt.Errorf("agent prompt failed: %w", err)
			}
			fmt.Println(reply)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
