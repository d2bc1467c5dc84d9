package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"selfplay/agent"
	"selfplay/checkpoint"
	"selfplay/cluster"
	"selfplay/config"
	"selfplay/coordinator"
	"selfplay/engine"
	"selfplay/game"
	"selfplay/role"
	"selfplay/searcher"
	"selfplay/value"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
)

var (
	configPath string
	logLevel   string

	subprocess bool
	fresh      bool

	roleName  string
	roleIndex int

	humanFirst     bool
	randomOpponent bool

	games int
)

var rootCmd = &cobra.Command{
	Use:           "selfplay",
	Short:         "Distributed self-play training for a tic-tac-toe value network",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Launch the parameter holder, trainers and evaluators",
	RunE:  runTrain,
}

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Run a single role process of the cluster",
	RunE:  runRole,
}

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play against the latest checkpoint",
	RunE:  runPlay,
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate the latest checkpoint against a random opponent",
	RunE:  runEval,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level")

	trainCmd.Flags().BoolVar(&subprocess, "subprocess", false, "Run every role as a child process instead of a goroutine")
	trainCmd.Flags().BoolVar(&fresh, "fresh", false, "Start from a seeded network when no checkpoint exists")

	roleCmd.Flags().StringVar(&roleName, "role", "", "parameter-holder, trainer or evaluator")
	roleCmd.Flags().IntVar(&roleIndex, "index", 0, "Index of the process within its role")
	roleCmd.MarkFlagRequired("role")

	playCmd.Flags().BoolVar(&humanFirst, "human-first", false, "Play X and move first")
	playCmd.Flags().BoolVar(&randomOpponent, "random", false, "Play against a random opponent instead of the checkpoint")

	evalCmd.Flags().IntVar(&games, "games", 0, "Games per side (defaults to evaluation.games_per_side)")

	rootCmd.AddCommand(trainCmd, roleCmd, playCmd, evalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadConfig reads the config and sets up the global logger from it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Logging.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	gin.SetMode(gin.ReleaseMode)
	return cfg, nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if fresh {
		cfg.Coordinator.AllowFreshStart = true
	}

	var launcher coordinator.Launcher = coordinator.InProcessLauncher{}
	if subprocess {
		launcher = &coordinator.SubprocessLauncher{Dir: cfg.Coordinator.CheckpointDir}
	}
	c := coordinator.New(cfg, launcher)

	// The first signal stops the workers gracefully, the second cancels.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case <-signals:
		case <-ctx.Done():
			return
		}
		log.Info().Msg("Stopping training, interrupt again to abort")
		c.Stop()
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	if err := c.Launch(ctx, cfg.Cluster, cfg.Coordinator.CheckpointDir); err != nil {
		return err
	}
	if err := c.AwaitCompletion(); err != nil {
		return err
	}

	resume, err := c.ResumeFromCheckpoint(context.Background(), cfg.Coordinator.CheckpointDir)
	if err != nil {
		return err
	}
	log.Info().Int64("step", resume.Step).Dur("elapsed", time.Since(start)).Msg("Training finished")
	return nil
}

func runRole(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r, err := cluster.ParseRole(roleName)
	if err != nil {
		return err
	}
	spec, err := cfg.Cluster.Lookup(r, roleIndex)
	if err != nil {
		return err
	}
	p, err := role.New(cfg, spec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return p.Run(ctx)
}

// latestNetwork restores the network saved in the configured checkpoint
// location.
func latestNetwork(ctx context.Context, cfg config.Config) (*value.Network, int64, error) {
	store, err := checkpoint.Open(cfg.Coordinator.CheckpointBackend, cfg.Coordinator.CheckpointDir)
	if err != nil {
		return nil, 0, err
	}
	defer store.Close()
	cfg.Coordinator.AllowFreshStart = false
	net, step, _, err := role.Restore(ctx, store, cfg)
	return net, step, err
}

func runPlay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r := rand.New(rand.NewSource(uint64(time.Now().UnixNano())))

	opponent := agent.Random(r)
	if !randomOpponent {
		net, step, err := latestNetwork(cmd.Context(), cfg)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound), errors.Is(err, checkpoint.ErrCorrupt):
			log.Warn().Err(err).Msg("No usable checkpoint, playing randomly")
		case err != nil:
			return err
		default:
			log.Info().Int64("step", step).Msg("Loaded checkpoint")
			opponent = agent.Search(searcher.New(net.Evaluate, searcher.WithDepth(cfg.Training.SearchDepth)))
		}
	}

	side := game.Second
	if humanFirst {
		side = game.First
	}
	out := cmd.OutOrStdout()
	env := engine.New(engine.WithRand(r))
	outcome, err := env.PlayAgainst(agent.Human(cmd.InOrStdin(), out), opponent, side)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%v\n", env.State())
	switch outcome.Winner() {
	case side:
		fmt.Fprintln(out, "You win.")
	case game.None:
		fmt.Fprintln(out, "Draw.")
	default:
		fmt.Fprintln(out, "You lose.")
	}
	return nil
}

func runEval(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if games > 0 {
		cfg.Evaluation.GamesPerSide = games
	}
	net, step, err := latestNetwork(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	report, err := role.Evaluate(net, cfg, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "step %d\n  as X: %d win / %d draw / %d loss\n  as O: %d win / %d draw / %d loss\n",
		step,
		report.First.Win, report.First.Draw, report.First.Loss,
		report.Second.Win, report.Second.Draw, report.Second.Loss)
	return nil
}
