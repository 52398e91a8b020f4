package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/botfleet/orchestrator/broker"
	"github.com/botfleet/orchestrator/runlog"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print a run's logs",
		Long: `Print the most recent logs of a run.

With --follow the command replays the recent logs and then stays attached,
printing live frames as the run emits them, until interrupted. It talks to
the database and the broker directly, so it works even when the API server
is down.`,
		Args: cobra.ExactArgs(1),
		RunE: runLogs,
	}
	cmd.Flags().Bool("follow", false, "stay attached and print live log frames")
	cmd.Flags().Int("tail", 200, "number of recent lines to print")
	return cmd
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx, cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	runID := args[0]
	follow, _ := cmd.Flags().GetBool("follow")
	tail, _ := cmd.Flags().GetInt("tail")

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if !follow {
		if _, err := st.GetRun(ctx, runID); err != nil {
			return err
		}
		rows, err := st.TailRunLogs(ctx, runID, tail)
		if err != nil {
			return err
		}
		for _, row := range rows {
			printLogLine(row.CreatedAt.Format(time.RFC3339), string(row.Level), row.Message)
		}
		return nil
	}

	br, err := openBroker(cfg)
	if err != nil {
		return err
	}
	defer br.Close()
	streamer, err := runlog.NewStreamer(runlog.StreamerOptions{Store: st, Broker: br, ReplayLimit: tail})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return streamer.Stream(ctx, runID, func(frame []byte) error {
		var f broker.LogFrame
		if err := json.Unmarshal(frame, &f); err != nil {
			return err
		}
		printLogLine(f.Timestamp, f.Level, f.Message)
		return nil
	})
}

func printLogLine(ts, level, message string) {
	fmt.Printf("%s [%s] %s\n", ts, level, message)
}
