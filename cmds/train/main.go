package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/spf13/afero"

	"github.com/spokenlab/amtrain/artifact"
	"github.com/spokenlab/amtrain/config"
	"github.com/spokenlab/amtrain/engine"
	"github.com/spokenlab/amtrain/explog"
	"github.com/spokenlab/amtrain/pipeline"
)

func main() {
	args := struct {
		Config string `arg:"positional,required" help:"training configuration yaml"`
		Local  bool   `arg:"--local" help:"force local execution regardless of the config"`
	}{}
	arg.MustParse(&args)

	fs := afero.NewOsFs()
	conf, err := config.Load(fs, args.Config)
	if err != nil {
		log.Fatalln(err)
	}
	if args.Local {
		conf.Settings.Local = true
	}

	store := artifact.NewStore(fs, conf.Paths.Experiment)
	if err := store.EnsureFresh(conf.Pipeline.Clean); err != nil {
		log.Fatalln(err)
	}

	explogFile := filepath.Join(conf.Paths.Experiment, "log")
	elog, err := explog.Open(fs, explogFile, conf.Settings.Verbose >= 1)
	if err != nil {
		log.Fatalln(err)
	}
	defer elog.Close()

	var runner engine.Runner = engine.LocalRunner{}
	if !conf.Settings.Local {
		runner = &engine.ClusterRunner{
			SubmitCommand: conf.Settings.SubmitCommand,
			PollInterval:  time.Duration(conf.Settings.PollInterval),
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := pipeline.New(conf, store, engine.NewToolkit(runner), elog)
	start := time.Now()
	if err := driver.Train(ctx); err != nil {
		elog.Printf("TRAINING failed: %v", err)
		os.Exit(1)
	}
	fmt.Printf("time elapsed [%1.2f]\n", time.Since(start).Seconds())
}
