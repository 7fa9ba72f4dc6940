// Command emotion-transformer trains and serves a contextual emotion
// classifier over three-turn conversations.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PhilippMaxx/emotion-transformer/params"
	"github.com/PhilippMaxx/emotion-transformer/search"
)

var (
	log = logrus.New()
	cfg params.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		devices    int
		precision  int
		backend    string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:          "emotion-transformer",
		Short:        "Contextual emotion classification over three-turn conversations",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

			c, err := params.Load(configPath)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("devices") {
				c.Devices = devices
			}
			if f.Changed("precision") {
				c.Precision = precision
			}
			if f.Changed("backend") {
				c.Backend = backend
			}
			if debug {
				c.Debug = true
			}
			if c.Debug {
				log.SetLevel(logrus.DebugLevel)
				log.Debugf("effective config:\n%s", spew.Sdump(c))
			}
			if err := c.Validate(); err != nil {
				return err
			}
			if err := useBLASBackend(c.Backend); err != nil {
				return err
			}
			cfg = c
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML config file")
	pf.IntVar(&devices, "devices", 0, "parallel workers (0 = single worker)")
	pf.IntVar(&precision, "precision", 32, "checkpoint storage precision: 32 or 64")
	pf.StringVar(&backend, "backend", "gonum", "matrix backend: gonum or netlib")
	pf.BoolVar(&debug, "debug", false, "verbose logging")

	cmd.AddCommand(
		newTrainCmd(),
		newSearchCmd(),
		newEvalCmd(),
		newPredictCmd(),
		newPrepareCmd(),
	)
	return cmd
}

func newTrainCmd() *cobra.Command {
	var scratch bool
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune a classifier on the train split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg
			if scratch {
				c.PretrainedPath = ""
			}
			c.RunDir = filepath.Join(c.RunDir, "run_"+time.Now().Format("20060102_150405"))
			f1, err := RunTraining(cmd.Context(), logrus.NewEntry(log), c)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"val_f1": f1, "run_dir": c.RunDir}).Info("training done")
			return nil
		},
	}
	cmd.Flags().BoolVar(&scratch, "scratch", false,
		"initialize the encoder randomly instead of loading pretrained weights")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var trials int
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Random hyperparameter search, parallel across workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workers := cfg.Devices
			if workers < 1 {
				workers = 1
			}
			best, _, err := search.Run(cmd.Context(), log, cfg, search.DefaultSpace(),
				trials, workers, RunTraining)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"val_f1":  best.ValF1,
				"run_dir": best.RunDir,
			}).Info("best trial")
			return nil
		},
	}
	cmd.Flags().IntVar(&trials, "trials", 20, "number of sampled configurations")
	return cmd
}

func newEvalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eval <checkpoint>",
		Short: "Score a trained model on the test split",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunEvaluation(cmd.Context(), logrus.NewEntry(log), cfg, args[0])
		},
	}
}

func newPredictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "predict <checkpoint>",
		Short: "Classify messages interactively with conversation context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunPredict(cmd.Context(), logrus.NewEntry(log), cfg, args[0])
		},
	}
}

func newPrepareCmd() *cobra.Command {
	var initEncoder bool
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Train the tokenizer and cache token ids for all splits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunPrepare(cmd.Context(), logrus.NewEntry(log), cfg, initEncoder)
		},
	}
	cmd.Flags().BoolVar(&initEncoder, "init-encoder", false,
		"also write a randomly initialized encoder to pretrained_path")
	return cmd
}
