package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Maelsh/dueli-opus-sub002/internal/config"
	"github.com/Maelsh/dueli-opus-sub002/internal/playback"
	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

func main() {
	live := flag.Bool("live", false, "follow the competition as it streams instead of replaying a finished one")
	startIndex := flag.Int("start-index", 0, "first chunk index for live playback")
	outPath := flag.String("out", "-", "output file for the reconstructed stream, - for stdout")
	flag.Parse()

	cfg, err := config.LoadPeer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, ServiceName: "duelviewer"})
	logger := pkglog.L()

	if cfg.CompetitionID == "" || cfg.MediaURL == "" {
		logger.Fatal().Msg("competition_id and media_url are required")
	}

	out := os.Stdout
	if *outPath != "-" {
		f, err := os.Create(*outPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *outPath).Msg("failed to open output file")
		}
		defer f.Close()
		out = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := playback.NewHTTPFetcher(cfg.MediaURL)
	player := playback.NewPlayer(playback.Config{}, fetcher,
		playback.NewWriterSurface(out), playback.NewWriterSurface(out))

	if *live {
		logger.Info().
			Str(pkglog.FieldCompetition, cfg.CompetitionID).
			Int(pkglog.FieldChunk, *startIndex).
			Msg("following live stream")
		err = player.PlayLive(ctx, cfg.CompetitionID, *startIndex)
	} else {
		err = player.PlayFinished(ctx, cfg.CompetitionID, func(current, total int) {
			logger.Info().
				Str(pkglog.FieldCompetition, cfg.CompetitionID).
				Msgf("playing chunk %d/%d", current, total)
		})
	}
	if err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("playback failed")
	}
	logger.Info().Msg("playback finished")
}
