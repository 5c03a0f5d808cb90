package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/jobs"
	"github.com/onnwee/live-tender/postprocess"
	"github.com/onnwee/live-tender/recorder"
)

// checker probes a file for duration mismatch. *postprocess.Processor implements it.
type checker interface {
	Check(ctx context.Context, path string) (postprocess.Result, bool, error)
}

// videoLister lists videos. *db.Store implements it.
type videoLister interface {
	ListVideos(ctx context.Context, broadcasterID string, limit int) ([]recorder.Video, error)
}

type env struct {
	store     *db.Store
	processor *postprocess.Processor
	locker    jobs.Locker
	close     func()
}

func newRootCommand() *cobra.Command {
	var (
		broadcaster string
		limit       int
		e           env
	)
	rootCmd := &cobra.Command{
		Use:           "repair",
		Short:         "Find and fix captures with broken durations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			database, err := db.Connect(cmd.Context(), cfg.DBDsn)
			if err != nil {
				return err
			}
			locker, err := jobs.NewFileLocker(cfg.LockDir)
			if err != nil {
				_ = database.Close()
				return err
			}
			store := db.NewStore(database, nil)
			e = env{
				store: store,
				processor: &postprocess.Processor{
					FFprobe:     cfg.FFprobePath,
					FFmpeg:      cfg.FFmpegPath,
					ProbeRunner: capture.ProbeRunner{},
					Store:       store,
					ThumbnailAt: cfg.ThumbnailAt,
				},
				locker: locker,
				close:  func() { _ = database.Close() },
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.close != nil {
				e.close()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&broadcaster, "broadcaster", "", "Only consider videos of this broadcaster id")
	rootCmd.PersistentFlags().IntVar(&limit, "limit", 200, "Maximum number of videos to consider")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Probe finished captures and report corrupt ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, corrupt, err := scan(cmd.Context(), e.store, e.processor, broadcaster, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"File", "Duration", "Video", "Size", "Verdict"}, rows, 1, 2, 3))
			fmt.Fprintf(cmd.OutOrStdout(), "%d corrupt of %d\n", len(corrupt), len(rows))
			return nil
		},
	}

	var all bool
	fixCmd := &cobra.Command{
		Use:   "fix [filename...]",
		Short: "Remux corrupt captures in place",
		RunE: func(cmd *cobra.Command, args []string) error {
			filenames := args
			if all {
				_, corrupt, err := scan(cmd.Context(), e.store, e.processor, broadcaster, limit)
				if err != nil {
					return err
				}
				filenames = corrupt
			}
			if len(filenames) == 0 {
				return errors.New("nothing to fix: pass file names or --all")
			}
			h := recorder.RepairHandler{Store: e.store, Repairer: e.processor}
			results := fix(cmd.Context(), h, e.locker, filenames)
			rows := make([][]string, 0, len(results))
			failed := 0
			for _, r := range results {
				status := "ok"
				if r.err != nil {
					status = r.err.Error()
					failed++
				}
				rows = append(rows, []string{r.filename, status})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"File", "Result"}, rows))
			if failed > 0 {
				return fmt.Errorf("%d of %d repairs failed", failed, len(results))
			}
			return nil
		},
	}
	fixCmd.Flags().BoolVar(&all, "all", false, "Fix every corrupt capture found by scan")

	rootCmd.AddCommand(scanCmd, fixCmd)
	return rootCmd
}

// scan probes finished videos and returns one table row per video plus the corrupt file names.
func scan(ctx context.Context, store videoLister, c checker, broadcaster string, limit int) ([][]string, []string, error) {
	videos, err := store.ListVideos(ctx, broadcaster, limit)
	if err != nil {
		return nil, nil, err
	}
	var rows [][]string
	var corrupt []string
	for _, v := range videos {
		if v.Status != recorder.VideoDone || v.Path == "" {
			continue
		}
		if _, err := os.Stat(v.Path); err != nil {
			rows = append(rows, []string{v.Filename, "", "", "", "missing"})
			continue
		}
		res, bad, err := c.Check(ctx, v.Path)
		if err != nil {
			rows = append(rows, []string{v.Filename, "", "", "", "probe failed: " + err.Error()})
			continue
		}
		videoDur := "-"
		if d, ok := res.VideoDurationSeconds(); ok {
			videoDur = strconv.FormatFloat(d, 'f', 1, 64)
		}
		verdict := "ok"
		if bad {
			verdict = "corrupt"
			corrupt = append(corrupt, v.Filename)
		}
		rows = append(rows, []string{
			v.Filename,
			strconv.FormatFloat(res.DurationSeconds(), 'f', 1, 64),
			videoDur,
			humanize.Bytes(uint64(res.SizeBytes())),
			verdict,
		})
	}
	return rows, corrupt, nil
}

type fixResult struct {
	filename string
	err      error
}

// fix runs the repair handler for each file under the same lock a repair job would take.
func fix(ctx context.Context, h jobs.Handler, locker jobs.Locker, filenames []string) []fixResult {
	out := make([]fixResult, 0, len(filenames))
	for _, name := range filenames {
		if ctx.Err() != nil {
			out = append(out, fixResult{name, ctx.Err()})
			continue
		}
		resource := recorder.RepairResourceID(name)
		unlock, err := locker.Lock(resource)
		if err != nil {
			out = append(out, fixResult{name, err})
			continue
		}
		err = h.Run(ctx, "cli", jobs.Task{Kind: jobs.KindRepair, ResourceID: resource, Payload: recorder.RepairPayload{Filename: name}})
		unlock()
		out = append(out, fixResult{name, err})
	}
	return out
}
