package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hlsget/hlsget/internal/app"
	"github.com/hlsget/hlsget/internal/domain"
	"github.com/hlsget/hlsget/internal/engine"
	"github.com/hlsget/hlsget/internal/infra/config"
	"github.com/hlsget/hlsget/internal/infra/logger"
)

func getCmd() *cobra.Command {
	var output string
	var keyURL string
	var bestEffort bool

	cmd := &cobra.Command{
		Use:   "get <playlist-url>",
		Short: "Download a single playlist and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(args[0], output, keyURL, bestEffort)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file path")
	cmd.Flags().StringVar(&keyURL, "key-url", "", "override the decryption key URL")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "skip irrecoverable segments instead of failing")
	return cmd
}

func runGet(playlistURL, output, keyURL string, bestEffort bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if bestEffort {
		cfg.Download.BestEffort = true
	}

	log, err := logger.New(cfg.Log.Path, cfg.Log.Level, cfg.Log.IncludeStdout)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	if err := os.MkdirAll(cfg.Download.OutDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Download.WorkDir, 0755); err != nil {
		return err
	}

	dl := engine.NewDownloader(cfg, log, store)
	defer dl.Close()

	done := make(chan error, 1)
	queue := engine.NewQueueManager(cfg, log, store, dl, &consoleNotifier{done: done})
	if err := queue.Start(ctx); err != nil {
		return err
	}

	task, err := queue.Add(ctx, app.TaskRequest{
		PlaylistURL: playlistURL,
		KeyURL:      keyURL,
		OutputPath:  output,
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		fmt.Printf("Saved %s\n", task.OutputPath)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// consoleNotifier renders progress for the one-shot command.
type consoleNotifier struct {
	done chan error
}

func (n *consoleNotifier) Progress(snap domain.ProgressSnapshot) {
	fmt.Printf("\r%d/%d segments  %s  %s/s   ",
		snap.SegmentsDone, snap.SegmentsTotal,
		humanize.Bytes(snap.BytesDone), humanize.Bytes(uint64(snap.Speed)))
}

func (n *consoleNotifier) Completed(taskID string) {
	fmt.Println()
	n.done <- nil
}

func (n *consoleNotifier) Failed(taskID string, reason string, failedSegments []int) {
	fmt.Println()
	n.done <- fmt.Errorf("download failed: %s (%d segments unfinished)", reason, len(failedSegments))
}

func (n *consoleNotifier) Cancelled(taskID string) {
	fmt.Println()
	n.done <- fmt.Errorf("download cancelled")
}
