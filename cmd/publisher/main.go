// Command publisher simulates a bookmaker feed: it walks the odds of a
// small fixture roster and publishes each game's full state to its Redis
// channel at high frequency. The relay turns those publications into
// deltas.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/oddslive/relay/internal/game"
)

var (
	redisAddr  string
	interval   time.Duration
	maxRate    float64
	updateProb float64
	verbose    bool
)

type metrics struct {
	published int64
	errors    int64
}

func fixtures() map[string]*game.Snapshot {
	return map[string]*game.Snapshot{
		"game1": {ID: "game1", HomeTeam: "Arsenal", AwayTeam: "Chelsea", HomeScore: 1, AwayScore: 1, HomeOdds: 2.5, AwayOdds: 2.8, DrawOdds: 3.2},
		"game2": {ID: "game2", HomeTeam: "Liverpool", AwayTeam: "Man United", HomeScore: 2, AwayScore: 0, HomeOdds: 1.8, AwayOdds: 4.2, DrawOdds: 3.5},
		"game3": {ID: "game3", HomeTeam: "Barcelona", AwayTeam: "Real Madrid", HomeScore: 0, AwayScore: 0, HomeOdds: 2.1, AwayOdds: 3.3, DrawOdds: 3.0},
	}
}

// drift nudges one odds value, keeping it above the 1.01 floor.
func drift(odds float64) float64 {
	next := odds + (rand.Float64()-0.5)*0.6
	if next > 1.01 {
		return next
	}
	return odds
}

func tick(g *game.Snapshot) bool {
	if rand.Float64() >= updateProb {
		return false
	}
	if rand.Float64() < 0.6 {
		g.HomeOdds = drift(g.HomeOdds)
	}
	if rand.Float64() < 0.6 {
		g.AwayOdds = drift(g.AwayOdds)
	}
	if rand.Float64() < 0.6 {
		g.DrawOdds = drift(g.DrawOdds)
	}
	// Goals are rare.
	if rand.Float64() < 0.005 {
		if rand.Float64() < 0.5 {
			g.HomeScore++
		} else {
			g.AwayScore++
		}
	}
	g.LastUpdated = time.Now().UnixMilli()
	return true
}

func publish(ctx context.Context, logger *zap.Logger) error {
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", redisAddr, err)
	}

	games := fixtures()
	for _, g := range games {
		g.LastUpdated = time.Now().UnixMilli()
	}

	channels := make([]string, 0, len(games))
	for id := range games {
		channels = append(channels, id)
	}
	logger.Info("publisher started",
		zap.String("redis", redisAddr),
		zap.Strings("channels", channels),
		zap.Duration("interval", interval),
	)

	limiter := rate.NewLimiter(rate.Limit(maxRate), int(maxRate))

	var m metrics
	go reportMetrics(ctx, logger, &m)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("publisher stopped",
				zap.Int64("published", atomic.LoadInt64(&m.published)),
				zap.Int64("errors", atomic.LoadInt64(&m.errors)),
			)
			return nil
		case <-ticker.C:
		}

		for id, g := range games {
			if !tick(g) {
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
			data, err := json.Marshal(g)
			if err != nil {
				atomic.AddInt64(&m.errors, 1)
				continue
			}
			if err := rdb.Publish(ctx, id, data).Err(); err != nil {
				atomic.AddInt64(&m.errors, 1)
				logger.Warn("publish failed", zap.String("channel", id), zap.Error(err))
				continue
			}
			atomic.AddInt64(&m.published, 1)
			if verbose {
				logger.Debug("published",
					zap.String("channel", id),
					zap.Float64("homeOdds", g.HomeOdds),
					zap.Float64("awayOdds", g.AwayOdds),
					zap.Float64("drawOdds", g.DrawOdds),
				)
			}
		}
	}
}

func reportMetrics(ctx context.Context, logger *zap.Logger, m *metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("publish metrics",
				zap.Int64("published", atomic.LoadInt64(&m.published)),
				zap.Int64("errors", atomic.LoadInt64(&m.errors)),
			)
		}
	}
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
		Use:   "publisher",
		Short: "Publish simulated live odds to Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := setupLogger(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return publish(cmd.Context(), logger)
		},
	}

	rootCmd.Flags().StringVar(&redisAddr, "redis", "localhost:6379", "redis address")
	rootCmd.Flags().DurationVar(&interval, "interval", 200*time.Millisecond, "update tick interval")
	rootCmd.Flags().Float64Var(&maxRate, "rate", 100, "max publications per second")
	rootCmd.Flags().Float64Var(&updateProb, "prob", 0.9, "chance of an update per game per tick")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
