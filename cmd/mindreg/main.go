package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"mindreg/pkg/config"
	"mindreg/pkg/metric"
	"mindreg/pkg/optimizer"
	"mindreg/pkg/registration"
	"mindreg/pkg/volume"
)

// Exit codes of the registration CLI.
const (
	exitOK            = 0
	exitUnreadable    = 1
	exitConfiguration = 2
	exitNumerical     = 3
)

func main() {
	// Parse command line arguments
	fixedPath := flag.String("fixed", "", "Fixed (reference) volume, MetaImage .mha")
	movingPath := flag.String("moving", "", "Moving volume to align, MetaImage .mha")
	outputPath := flag.String("output", "transform.json", "Output transform filename")
	configPath := flag.String("config", "", "Registration configuration (.json or .yaml)")
	maskPath := flag.String("mask", "", "Optional fixed-space mask volume (positive = inside)")
	numCores := flag.Int("cores", runtime.NumCPU(), "Number of CPU cores to use (default: all available)")
	verbose := flag.Bool("verbose", false, "Print per-level progress")
	flag.Parse()

	// Validate inputs
	if *fixedPath == "" || *movingPath == "" {
		flag.Usage()
		os.Exit(exitUnreadable)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Configuration error: %v", err)
		os.Exit(exitConfiguration)
	}
	if *verbose {
		cfg.Verbose = true
	}

	fixed, err := volume.ReadMetaImage(*fixedPath)
	if err != nil {
		log.Printf("Failed to read fixed volume %s: %v", *fixedPath, err)
		os.Exit(exitUnreadable)
	}
	moving, err := volume.ReadMetaImage(*movingPath)
	if err != nil {
		log.Printf("Failed to read moving volume %s: %v", *movingPath, err)
		os.Exit(exitUnreadable)
	}

	var mask metric.Mask
	if *maskPath != "" {
		maskVol, err := volume.ReadMetaImage(*maskPath)
		if err != nil {
			log.Printf("Failed to read mask volume %s: %v", *maskPath, err)
			os.Exit(exitUnreadable)
		}
		mask = metric.NewVolumeMask(maskVol)
	}

	fmt.Println("================================")
	fmt.Println("MIND MULTI-MODAL 3D VOLUME REGISTRATION")
	fmt.Printf("Transform: %s  Metric: %s  Levels: %d\n",
		cfg.TransformType, cfg.MetricType, cfg.NumberOfLevels)
	fmt.Println("================================")

	driver, err := registration.NewDriver(registration.Params{
		Fixed:   fixed,
		Moving:  moving,
		Mask:    mask,
		Config:  cfg,
		Workers: *numCores,
	})
	if err != nil {
		if errors.Is(err, config.ErrInvalid) {
			log.Printf("Configuration error: %v", err)
			os.Exit(exitConfiguration)
		}
		log.Printf("Setup failed: %v", err)
		os.Exit(exitUnreadable)
	}

	startTime := time.Now()
	result, err := driver.Run()
	elapsed := time.Since(startTime)

	if err != nil {
		// No partial transform is written on failure.
		log.Printf("Registration failed after %.2f seconds: %v", elapsed.Seconds(), err)
		if errors.Is(err, optimizer.ErrSingularMatrix) || errors.Is(err, registration.ErrNoValidSamples) {
			os.Exit(exitNumerical)
		}
		os.Exit(exitUnreadable)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode result: %v", err)
	}
	if err := os.WriteFile(*outputPath, data, 0644); err != nil {
		log.Printf("Failed to write transform to %s: %v", *outputPath, err)
		os.Exit(exitUnreadable)
	}

	fmt.Printf("\nRegistration completed in %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("Stop condition: %s\n", result.StopCondition)
	fmt.Printf("Final cost: %.6g\n", result.FinalCost)
	fmt.Printf("Parameters: %v\n", result.Parameters)
	fmt.Printf("Transform saved to: %s\n", *outputPath)
	os.Exit(exitOK)
}
