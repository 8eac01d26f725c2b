// Command viewer subscribes to games on a relay and prints every state
// change. It prefers the websocket push transport and degrades to
// long-polling when push keeps failing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oddslive/relay/internal/client"
	"github.com/oddslive/relay/internal/game"
)

var (
	relayAddr string
	gameIDs   []string
	verbose   bool
)

func watch(ctx context.Context, logger *zap.Logger) error {
	m := client.New(client.Config{
		PushURL:    fmt.Sprintf("ws://%s/v1/ws", relayAddr),
		PollURL:    fmt.Sprintf("http://%s/v1/poll", relayAddr),
		InitialURL: fmt.Sprintf("http://%s/v1/initial", relayAddr),
		OnUpdate: func(s game.Snapshot) {
			logger.Info("update",
				zap.String("game", s.ID),
				zap.String("fixture", s.HomeTeam+" v "+s.AwayTeam),
				zap.Int("homeScore", s.HomeScore),
				zap.Int("awayScore", s.AwayScore),
				zap.Float64("homeOdds", s.HomeOdds),
				zap.Float64("awayOdds", s.AwayOdds),
				zap.Float64("drawOdds", s.DrawOdds),
			)
		},
	}, logger)

	m.Subscribe(gameIDs)

	logger.Info("viewer started",
		zap.String("relay", relayAddr),
		zap.Strings("games", gameIDs),
	)

	go m.Run(ctx)
	<-ctx.Done()
	m.Close()
	return nil
}

func setupLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "viewer",
		Short: "Watch live game state from a relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(gameIDs) == 0 {
				return fmt.Errorf("at least one --game is required")
			}
			logger, err := setupLogger(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return watch(cmd.Context(), logger)
		},
	}

	rootCmd.Flags().StringVar(&relayAddr, "relay", "localhost:8080", "relay host:port")
	rootCmd.Flags().StringSliceVar(&gameIDs, "game", nil, "game id to watch (repeatable)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
