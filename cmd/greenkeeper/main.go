package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"greenkeeper.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Enqueue struct {
		Goal        string `arg:"" help:"Goal for the build collaborator to run"`
		GoalID      string `help:"Goal identifier checked against the daemon policy allow-list"`
		Priority    int    `default:"50" help:"Picker priority; lower runs first"`
		RequestedBy string `default:"operator" help:"Request author recorded in the queue"`
	} `cmd:"" help:"Append a work request to the queue"`

	Queue struct{} `cmd:"" help:"List pending work requests in picker order"`

	Receipts struct {
		Limit int `default:"20" help:"Number of receipts to show"`
	} `cmd:"" help:"Show recent receipts, oldest first"`

	RunDaemonTick struct{} `cmd:"" name:"run-daemon-tick" help:"Process at most one queued request"`

	SentinelStatus  struct{} `cmd:"" name:"sentinel-status" help:"Show drift sentinel policy and state"`
	SentinelEnable  struct{} `cmd:"" name:"sentinel-enable" help:"Enable the drift sentinel"`
	SentinelDisable struct{} `cmd:"" name:"sentinel-disable" help:"Disable the drift sentinel"`
	SentinelRunTick struct{} `cmd:"" name:"sentinel-run-tick" help:"Run one sentinel evaluation pass"`

	TrainStatus  struct{} `cmd:"" name:"train-status" help:"Show merge train entries"`
	TrainEnable  struct{} `cmd:"" name:"train-enable" help:"Enable the merge train"`
	TrainDisable struct{} `cmd:"" name:"train-disable" help:"Disable the merge train"`
	TrainTick    struct{} `cmd:"" name:"train-tick" help:"Advance one merge train entry"`
	TrainHold    struct {
		PR int `arg:"" help:"PR number to hold"`
	} `cmd:"" name:"train-hold" help:"Manually hold a train entry"`
	TrainRelease struct {
		PR int `arg:"" help:"PR number to release"`
	} `cmd:"" name:"train-release" help:"Release a held train entry"`

	Status struct{} `cmd:"" help:"Show the live orchestrator status snapshot"`

	Index struct {
		Event  string `help:"Filter by event name"`
		Status string `help:"Filter by status"`
		Domain string `help:"Filter by domain"`
		Limit  int    `default:"20" help:"Number of events to show"`
	} `cmd:"" help:"Rebuild the event index and query recent events"`

	Serve struct{} `cmd:"" help:"Run the periodic ticks and observability endpoints"`
}

func main() {
	ctx := kong.Parse(&CLI)

	app, err := newApp(CLI.Config, CLI.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	var exit int
	switch ctx.Command() {
	case "enqueue <goal>":
		exit = app.cmdEnqueue(CLI.Enqueue.Goal, CLI.Enqueue.GoalID, CLI.Enqueue.Priority, CLI.Enqueue.RequestedBy)
	case "queue":
		exit = app.cmdQueue()
	case "receipts":
		exit = app.cmdReceipts(CLI.Receipts.Limit)
	case "run-daemon-tick":
		exit = app.cmdDaemonTick(context.Background())
	case "sentinel-status":
		exit = app.cmdSentinelStatus()
	case "sentinel-enable":
		exit = app.cmdSentinelEnabled(true)
	case "sentinel-disable":
		exit = app.cmdSentinelEnabled(false)
	case "sentinel-run-tick":
		exit = app.cmdSentinelTick()
	case "train-status":
		exit = app.cmdTrainStatus()
	case "train-enable":
		exit = app.cmdTrainEnabled(true)
	case "train-disable":
		exit = app.cmdTrainEnabled(false)
	case "train-tick":
		exit = app.cmdTrainTick(context.Background())
	case "train-hold <pr>":
		exit = app.cmdTrainHold(CLI.TrainHold.PR)
	case "train-release <pr>":
		exit = app.cmdTrainRelease(CLI.TrainRelease.PR)
	case "status":
		exit = app.cmdStatus()
	case "index":
		exit = app.cmdIndex(context.Background(), CLI.Index.Event, CLI.Index.Status, CLI.Index.Domain, CLI.Index.Limit)
	case "serve":
		exit = app.cmdServe()
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", ctx.Command())
		exit = 1
	}
	os.Exit(exit)
}
