package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/straja-ai/imgguard/internal/app"
	"github.com/straja-ai/imgguard/internal/config"
	"github.com/straja-ai/imgguard/internal/logging"
	"github.com/straja-ai/imgguard/internal/modelstore"
)

var version = "dev"

var (
	flagConfig  string
	flagOutDir  string
	flagWorkers int
	flagSettle  time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "imgguard",
		Short:         "Redact sensitive regions in images",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "imgguard.yaml", "path to config file (missing file means defaults)")
	root.PersistentFlags().StringVarP(&flagOutDir, "out", "o", "", "directory for redacted copies (default: next to each input)")
	root.PersistentFlags().IntVarP(&flagWorkers, "workers", "w", 0, "files processed in parallel (default from config)")

	watchCmd.Flags().DurationVar(&flagSettle, "settle", 500*time.Millisecond, "quiet period before a changed file is processed")

	root.AddCommand(redactCmd, watchCmd, fetchModelCmd)
	if err := root.Execute(); err != nil {
		logging.Fatalf("imgguard: %v", err)
	}
}

var redactCmd = &cobra.Command{
	Use:   "redact <file>...",
	Short: "Redact the given image files",
	Long: `Run detection on every file and write a redacted copy next to it
(or under --out) when a sensitive region is found. Inputs are never modified
and files without findings produce no output.

	Examples:
	  imgguard redact photo.jpg
	  imgguard redact --out ./censored uploads/*.png`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close(context.Background())

		results, err := rt.ProcessFiles(ctx, args, flagWorkers)
		hits := 0
		for _, res := range results {
			if res.Hit {
				hits++
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", res.Input, res.Output)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", res.Input, describe(res))
		}
		logging.Logf("imgguard: %d/%d files redacted", hits, len(results))
		return err
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Redact images as they appear in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close(context.Background())

		dir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		logging.Logf("imgguard: watching %s", dir)
		return rt.Watch(ctx, dir, flagSettle, func(res app.FileResult, err error) {
			switch {
			case err != nil:
				logging.Logf("imgguard: %v", err)
			case res.Hit:
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", res.Input, res.Output)
			}
		})
	},
}

var fetchModelCmd = &cobra.Command{
	Use:   "fetch-model",
	Short: "Download and verify the NudeNet model into the model directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		nn := cfg.Detector.NudeNet
		src := app.ModelSource(nn)
		timeout := time.Duration(nn.DownloadTimeoutSeconds) * time.Second
		if err := modelstore.Download(cmd.Context(), nn.ModelDir, src, timeout); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(nn.ModelDir, src.Name()))
		return nil
	},
}

func newRuntime(ctx context.Context) (*app.Runtime, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flagOutDir != "" {
		cfg.Output.Dir = flagOutDir
	}
	if flagWorkers > 0 {
		cfg.Output.Workers = flagWorkers
	}
	return app.New(ctx, cfg, version)
}

func describe(res app.FileResult) string {
	if res.Reason != "" {
		return fmt.Sprintf("%s (%s)", res.State, res.Reason)
	}
	return string(res.State)
}
