package cli

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/skillclips/internal/app"
	"github.com/abdul-hamid-achik/skillclips/internal/clipctl/output"
	"github.com/abdul-hamid-achik/skillclips/internal/db"
	"github.com/abdul-hamid-achik/skillclips/internal/ranking"
)

var recomputeSeason string

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Rebuild the ranking table for a season",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
			agg := ranking.NewAggregator(deps.Store, deps.Cache)

			spin := output.NewSpinner("recomputing", printer.IsQuiet() || printer.IsJSON())
			var (
				res *ranking.RecomputeResult
				err error
			)
			if recomputeSeason != "" {
				res, err = agg.Recompute(ctx, recomputeSeason, ranking.TriggerManual)
			} else {
				res, err = agg.RecomputeCurrent(ctx, ranking.TriggerManual)
			}
			took := spin.Finish()
			if err != nil {
				return err
			}

			return printer.Result(res, func() {
				if res.EntriesWritten == 0 {
					printer.Info("No votes in %s, rankings unchanged", res.Season)
					return
				}
				printer.Success("Recomputed %s in %s", res.Season, took.Round(time.Millisecond))
				printer.KeyValue("Entries", strconv.Itoa(res.EntriesWritten))
				if res.TopPlayer != nil {
					printer.KeyValue("Leader", res.TopPlayer.PlayerName+" ("+strconv.Itoa(res.TopPlayer.Score)+")")
				}
			})
		})
	},
}

var (
	rankingsCity  string
	rankingsSkip  int
	rankingsLimit int
)

var rankingsCmd = &cobra.Command{
	Use:   "rankings",
	Short: "Show the current season leaderboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
			svc := ranking.NewService(deps.Store, deps.Cache, nil, deps.Config.RankingCacheTTL)
			rows, err := svc.GetRankings(ctx, ranking.Query{City: rankingsCity, Skip: rankingsSkip, Limit: rankingsLimit})
			if err != nil {
				return err
			}
			if rows == nil {
				rows = []db.RankingRow{}
			}
			return printer.Result(rows, func() { printRankings(printer, rows) })
		})
	},
}

func printRankings(p *output.Printer, rows []db.RankingRow) {
	if len(rows) == 0 {
		p.Info("No rankings yet")
		return
	}
	tbl := p.Table([]string{"POS", "PLAYER", "CITY", "VOTES"})
	for _, r := range rows {
		tbl.Append(strconv.Itoa(r.Position), r.PlayerName, r.City, strconv.Itoa(r.Votes))
	}
	tbl.Render()
}

var voteVoter string

var voteCmd = &cobra.Command{
	Use:   "vote <video-id>",
	Short: "Cast a vote for a processed public video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		videoID, err := parseID("video id", args[0])
		if err != nil {
			return err
		}
		voterID, err := parseID("voter id", voteVoter)
		if err != nil {
			return err
		}
		return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
			agg := ranking.NewAggregator(deps.Store, deps.Cache)
			svc := ranking.NewService(deps.Store, deps.Cache, agg, deps.Config.RankingCacheTTL)
			vote, err := svc.CastVote(ctx, videoID, voterID)
			// The recompute triggered by the vote runs in the background.
			svc.Wait()
			if err != nil {
				return err
			}
			return printer.Result(vote, func() {
				printer.Success("Vote recorded for %s", videoID)
			})
		})
	},
}

func init() {
	recomputeCmd.Flags().StringVar(&recomputeSeason, "season", "", "Season label such as 2026-Q3 (default: current)")

	rankingsCmd.Flags().StringVar(&rankingsCity, "city", "", "Only players from this city")
	rankingsCmd.Flags().IntVar(&rankingsSkip, "skip", 0, "Rows to skip")
	rankingsCmd.Flags().IntVar(&rankingsLimit, "limit", ranking.DefaultLimit, "Rows to return")

	voteCmd.Flags().StringVar(&voteVoter, "voter", "", "Voter id")
	_ = voteCmd.MarkFlagRequired("voter")
}
