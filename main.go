package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/klauspost/cpuid/v2"

	"relight/batch"
	"relight/trainer"
)

func main() {
	def := trainer.DefaultConfig()

	configPath := flag.String("config", "", "JSON run configuration; flags given explicitly override it")
	name := flag.String("name", def.Name, "run name, generated when empty")
	outf := flag.String("outf", def.Outf, "output root")
	nepoch := flag.Int("nepoch", def.NEpoch, "number of epochs")
	niter := flag.Int("niter", def.NIter, "iterations per epoch")
	startEpoch := flag.Int("start_epoch", def.StartEpoch, "first epoch to train")
	reuse := flag.Bool("reuse", def.Reuse, "resume from the checkpoint before start_epoch")
	batchSize := flag.Int("batch_size", def.BatchSize, "examples per batch")
	imageSize := flag.Int("image_size", def.ImageSize, "height and width of the synthetic images")
	auxCnt := flag.Int("aux_cnt", def.AuxCount, "auxiliary lights per batch")
	inputLight := flag.String("input_light", def.InputLight, "input lighting: env or point")
	seed := flag.Int64("seed", def.Seed, "random seed")
	workers := flag.Int("workers", def.Workers, "parallel workers, 0 uses the physical core count")
	logEvery := flag.Int("log_every", def.LogEvery, "log the losses every n iterations")
	flag.Parse()

	cfg := def
	if *configPath != "" {
		var err error
		if cfg, err = trainer.LoadConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "Error loading config:", err)
			os.Exit(1)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.Name = *name
		case "outf":
			cfg.Outf = *outf
		case "nepoch":
			cfg.NEpoch = *nepoch
		case "niter":
			cfg.NIter = *niter
		case "start_epoch":
			cfg.StartEpoch = *startEpoch
		case "reuse":
			cfg.Reuse = *reuse
		case "batch_size":
			cfg.BatchSize = *batchSize
		case "image_size":
			cfg.ImageSize = *imageSize
		case "aux_cnt":
			cfg.AuxCount = *auxCnt
		case "input_light":
			cfg.InputLight = *inputLight
		case "seed":
			cfg.Seed = *seed
		case "log_every":
			cfg.LogEvery = *logEvery
		case "workers":
			cfg.Workers = *workers
		}
	})

	logger := log.New(os.Stdout, "", log.LstdFlags)
	if cfg.Workers <= 0 {
		cfg.Workers = cpuid.CPU.PhysicalCores
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	logger.Printf("--> device: %s, %d physical cores, %d logical, using %d workers",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, cfg.Workers)

	model, err := trainer.NewReference(cfg, logger)
	if err != nil {
		logger.Fatalf("Error creating model: %v", err)
	}
	src := &batch.Synthetic{
		BatchSize: cfg.BatchSize,
		Height:    cfg.ImageSize,
		Width:     cfg.ImageSize,
		EnvLen:    cfg.EnvLen,
		Seed:      cfg.Seed,
		Workers:   cfg.Workers,
	}
	if err := model.Train(src); err != nil {
		logger.Fatalf("Error training %s: %v", model.Config.Name, err)
	}
	logger.Printf("--> done, results in %s/%s", cfg.Outf, model.Config.Name)
}
