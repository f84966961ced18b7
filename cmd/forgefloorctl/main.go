// Command forgefloorctl is the operator CLI for a forgefloor deployment:
// replay an instance's event history and tune a judgment prompt template
// against accumulated feedback, per spec.md §6's CLI surface.
//
// forgefloorctl has no server process to attach to (no daemon mode is in
// scope), so each subcommand stands up its own in-memory engine the same
// way core/cmd/example/main.go stands up a single demo agent: replay runs
// a small built-in workflow to produce real event history and then dumps
// it, and tune seeds a template with sample feedback and tunes it. This
// keeps the CLI exercising the real eventbus/workflow/learning code paths
// without inventing a wire protocol the spec never asked for.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/floorworks/forgefloor/core"
	"github.com/floorworks/forgefloor/eventbus"
	"github.com/floorworks/forgefloor/learning"
	"github.com/floorworks/forgefloor/telemetry"
	"github.com/floorworks/forgefloor/workflow"
)

// cliLogger is the production logger every subcommand shares, produced
// the way the teacher composes core.NewProductionLogger with telemetry's
// metrics emission (core/config.go's "structured log + optional metric
// per event" layering).
func cliLogger() core.Logger {
	logger := core.NewProductionLogger(core.LoggingConfig{Level: "info", Format: "text", Output: "stderr"}, "forgefloorctl")
	if pl, ok := logger.(*core.ProductionLogger); ok {
		pl.EnableMetrics()
	}
	return logger
}

const usage = `forgefloorctl <command> [flags]

Commands:
  replay --instance <id>   replay a workflow instance's event history
  tune   --template <id>   tune a judgment prompt template from feedback
`

func main() {
	os.Exit(run(os.Args[1:]))
}

// initTelemetry stands up the telemetry registry the way a long-running
// forgefloor engine process would, using the development profile since
// the CLI runs one-shot against no particular deployment's collector.
// Metrics emitted by workflow/judgment/toolhub/learning's Counter/Duration
// calls during this invocation reach a live registry instead of the
// silent no-op Emit falls back to when Initialize is never called.
func initTelemetry() func() {
	cfg := telemetry.UseProfile(telemetry.ProfileDevelopment).WithOverrides(telemetry.Config{
		ServiceName: "forgefloorctl",
	})
	if err := telemetry.Initialize(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "forgefloorctl: telemetry init failed, metrics disabled: %v\n", err)
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(ctx)
	}
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	shutdownTelemetry := initTelemetry()
	defer shutdownTelemetry()

	switch args[0] {
	case "replay":
		return runReplay(args[1:])
	case "tune":
		return runTune(args[1:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "forgefloorctl: unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}

func runReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	instanceID := fs.String("instance", "", "workflow instance id to replay (optional: a demo instance runs if omitted)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	bus, id, err := demoReplayHistory(*instanceID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forgefloorctl: replay: %v\n", err)
		return 1
	}

	events := bus.History(id)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events); err != nil {
		fmt.Fprintf(os.Stderr, "forgefloorctl: replay: %v\n", err)
		return 1
	}
	return 0
}

func runTune(args []string) int {
	fs := flag.NewFlagSet("tune", flag.ContinueOnError)
	templateID := fs.String("template", "overheat-judgment", "prompt template id to tune")
	minRating := fs.Float64("min-rating", 0.7, "minimum feedback rating to qualify as an exemplar")
	days := fs.Int("days", learning.DefaultWindowDays, "feedback recency window in days")
	maxExemplars := fs.Int("max-exemplars", learning.DefaultMaxExemplars, "maximum exemplars retained per template")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	hub := demoLearningHub(*templateID)
	result, err := hub.Tune(*templateID, learning.TuneParams{
		MinRating:    *minRating,
		WindowDays:   *days,
		MaxExemplars: *maxExemplars,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "forgefloorctl: tune: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "forgefloorctl: tune: %v\n", err)
		return 1
	}
	return 0
}

// demoReplayHistory runs a short built-in workflow to completion and
// returns the bus that recorded its events, so replay has real history to
// show. If instanceID names an instance that isn't this run's demo
// instance, the returned history is simply empty — there is no
// cross-process store to consult.
func demoReplayHistory(instanceID string) (*eventbus.Bus, string, error) {
	dsl := workflow.DSL{
		Name:    "overheat-response",
		Version: "1",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTrigger, Next: []string{"fetch"}},
			{ID: "fetch", Type: workflow.NodeData, Config: map[string]interface{}{"source": "historian"}, Next: []string{"record"}},
			{ID: "record", Type: workflow.NodeCode, Config: map[string]interface{}{"expression": "$.nodes.fetch.result.source", "var": "source_copy"}},
		},
	}

	registry := workflow.NewRegistry()
	version, err := registry.CreateVersion("demo-workflow", dsl.Name, dsl)
	if err != nil {
		return nil, "", err
	}
	if err := registry.Publish("demo-workflow", version); err != nil {
		return nil, "", err
	}

	bus := eventbus.New()
	engine := workflow.New(
		workflow.WithRegistry(registry),
		workflow.WithStore(workflow.NewStore()),
		workflow.WithBus(bus),
		workflow.WithEngineLogger(cliLogger()),
	)

	ctx := context.Background()
	started, err := engine.Start(ctx, "demo-workflow", map[string]interface{}{"line_id": "L3"}, "")
	if err != nil {
		return nil, "", err
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := engine.Instance(started)
		if err == nil && workflow.IsTerminal(inst.State) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if instanceID == "" {
		instanceID = started
	}
	return bus, instanceID, nil
}

// demoLearningHub seeds templateID with a handful of rated feedback
// samples so tune has candidates to rank.
func demoLearningHub(templateID string) *learning.Hub {
	hub := learning.New(learning.WithHubLogger(cliLogger()))
	hub.RegisterTemplate(templateID, "Classify the line condition as nominal, warning, or critical.")

	now := time.Now().UTC()
	samples := []learning.Feedback{
		{TemplateID: templateID, Input: "temperature_c=95,line=L3", Output: "critical", Rating: 0.95, CreatedAt: now},
		{TemplateID: templateID, Input: "temperature_c=82,line=L3", Output: "warning", Rating: 0.85, CreatedAt: now},
		{TemplateID: templateID, Input: "temperature_c=60,line=L3", Output: "nominal", Rating: 0.4, CreatedAt: now},
	}
	for _, fb := range samples {
		hub.RecordFeedback(fb)
	}
	return hub
}
