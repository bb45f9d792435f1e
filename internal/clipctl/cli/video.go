package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/skillclips/internal/app"
	"github.com/abdul-hamid-achik/skillclips/internal/clipctl/output"
	"github.com/abdul-hamid-achik/skillclips/internal/db"
	"github.com/abdul-hamid-achik/skillclips/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status <video-id>",
	Short: "Show the processing state of a video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("video id", args[0])
		if err != nil {
			return err
		}
		return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
			r, err := pipeline.NewService(deps.Store, deps.Blobs).Inspect(ctx, id)
			if err != nil {
				return err
			}
			return printer.Result(r, func() { printVideoReport(printer, r) })
		})
	},
}

func printVideoReport(p *output.Printer, r *pipeline.VideoReport) {
	p.Header("Video " + r.VideoID.String())
	p.KeyValue("State", output.StateColor(string(r.State)))
	p.KeyValue("Attempts", strconv.Itoa(r.Attempts))
	if r.NextAttemptAt != nil {
		p.KeyValue("Next attempt", r.NextAttemptAt.Format(time.RFC3339))
	}
	if r.LastError != "" {
		p.KeyValue("Last error", r.LastError)
	}
	if r.ProcessedURL != "" {
		p.KeyValue("URL", r.ProcessedURL)
	}
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <video-id>",
	Short: "Publish a processing request for an existing video",
	Long: `Publish a processing request for an existing video.

Useful after a lost message. Workers that find the video already claimed
or processed drop the duplicate.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("video id", args[0])
		if err != nil {
			return err
		}
		return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
			if deps.Queue == nil {
				return app.ErrNoQueue
			}
			v, err := deps.Store.GetVideo(ctx, id)
			if err != nil {
				return err
			}
			msgID, err := deps.Enqueuer().EnqueueProcessing(ctx, v.ID, v.PlayerID, v.OriginalKey, v.Title)
			if err != nil {
				return err
			}
			return printer.Result(map[string]string{"video_id": v.ID.String(), "message_id": msgID}, func() {
				printer.Success("Enqueued %s", v.ID)
				printer.KeyValue("Message", msgID)
			})
		})
	},
}

var (
	uploadPlayer  string
	uploadTitle   string
	uploadPrivate bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a clip for a player",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		playerID, err := parseID("player id", uploadPlayer)
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		defer func() { _ = f.Close() }()
		info, err := f.Stat()
		if err != nil {
			return err
		}

		title := uploadTitle
		if title == "" {
			title = filepath.Base(args[0])
		}
		visibility := db.VisibilityPublic
		if uploadPrivate {
			visibility = db.VisibilityPrivate
		}

		return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
			metadata, err := deps.Transcoder()
			if err != nil {
				return err
			}
			uploader := pipeline.NewUploader(deps.Store, deps.Blobs, metadata, deps.Enqueuer(),
				app.ProcessingParams(deps.Config), deps.Config.TempDir)

			bar := output.NewByteProgress(info.Size(), "uploading", printer.IsQuiet() || printer.IsJSON())
			res, err := uploader.Upload(ctx, pipeline.UploadRequest{
				PlayerID:   playerID,
				Title:      title,
				Filename:   filepath.Base(args[0]),
				Visibility: visibility,
				Body:       io.TeeReader(f, bar),
			})
			bar.Finish()
			if err != nil {
				return err
			}

			return printer.Result(uploadSummary(res), func() {
				printer.Success("Uploaded %s", res.Video.ID)
				printer.KeyValue("Title", res.Video.Title)
				printer.KeyValue("Duration", fmt.Sprintf("%ds", res.Video.OriginalDuration))
				printer.KeyValue("Resolution", res.Video.OriginalResolution)
				if res.EnqueueErr != nil {
					printer.Warn("Processing request not published: %v", res.EnqueueErr)
					printer.Info("The sweeper or `clipctl enqueue %s` will pick it up", res.Video.ID)
				}
			})
		})
	},
}

func uploadSummary(res *pipeline.UploadResult) map[string]any {
	out := map[string]any{
		"video_id": res.Video.ID.String(),
		"status":   res.Video.State,
		"enqueued": res.EnqueueErr == nil,
	}
	if res.MessageID != "" {
		out["message_id"] = res.MessageID
	}
	if res.EnqueueErr != nil {
		out["enqueue_error"] = res.EnqueueErr.Error()
	}
	return out
}

var deletePlayer string

var deleteCmd = &cobra.Command{
	Use:   "delete <video-id>",
	Short: "Delete a video owned by a player",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		videoID, err := parseID("video id", args[0])
		if err != nil {
			return err
		}
		playerID, err := parseID("player id", deletePlayer)
		if err != nil {
			return err
		}
		return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
			if err := pipeline.NewService(deps.Store, deps.Blobs).Delete(ctx, playerID, videoID); err != nil {
				return err
			}
			return printer.Result(map[string]any{"video_id": videoID.String(), "deleted": true}, func() {
				printer.Success("Deleted %s", videoID)
			})
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release stale processing claims once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
			stats, err := pipeline.NewSweeper(deps.Store, deps.Enqueuer(),
				deps.Config.StaleClaimTimeout, deps.Config.MaxAttempts).Sweep(ctx)
			if err != nil {
				return err
			}
			return printer.Result(stats, func() {
				if stats.Released == 0 {
					printer.Info("No stale claims")
					return
				}
				printer.Success("Released %d stale claims", stats.Released)
				printer.KeyValue("Requeued", strconv.Itoa(stats.Requeued))
				printer.KeyValue("Failed", strconv.Itoa(stats.Failed))
				if stats.EnqueueErr > 0 {
					printer.Warn("%d requeues could not be published", stats.EnqueueErr)
				}
			})
		})
	},
}

func init() {
	uploadCmd.Flags().StringVar(&uploadPlayer, "player", "", "Owning player id")
	uploadCmd.Flags().StringVarP(&uploadTitle, "title", "t", "", "Clip title (default: file name)")
	uploadCmd.Flags().BoolVar(&uploadPrivate, "private", false, "Keep the clip out of public listings")
	_ = uploadCmd.MarkFlagRequired("player")

	deleteCmd.Flags().StringVar(&deletePlayer, "player", "", "Player id that owns the video")
	_ = deleteCmd.MarkFlagRequired("player")
}
