package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"medreg/internal/models"
	"medreg/internal/parallel"
	"medreg/pkg/config"
	"medreg/pkg/cost"
	"medreg/pkg/imageio"
	"medreg/pkg/registration"
	"medreg/pkg/transform"
)

func main() {
	// Parse command line arguments
	floatingPath := flag.String("i", "", "Floating image (file or directory of slices)")
	referencePath := flag.String("r", "", "Reference image (file or directory of slices)")
	outputPath := flag.String("o", "", "Output path for the registered floating image")
	transformDesc := flag.String("f", "", "Transformation, e.g. affine or spline:rate=16")
	minimizerDesc := flag.String("O", "", "Minimizer, e.g. lbfgs:iter=100")
	levels := flag.Int("l", 0, "Number of multi-resolution levels")
	interpDesc := flag.String("interp", "", "Interpolation kernel, e.g. bspline:d=3")
	configPath := flag.String("c", "medreg.yaml", "Configuration file")
	transformFile := flag.String("t", "", "Save the final transformation to this YAML file")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: from config)")
	verbose := flag.Bool("v", false, "Log progress of every level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s -i floating -r reference -o output [options] [cost ...]\n\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nTransformations: %v\nMinimizers: %v\nCosts: %v\n",
			transform.Names(), registration.MinimizerNames(), cost.Names())
	}
	flag.Parse()

	// Validate inputs
	if *floatingPath == "" || *referencePath == "" || *outputPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags given on the command line override the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "f":
			cfg.Registration.Transform = *transformDesc
		case "O":
			cfg.Registration.Minimizer = *minimizerDesc
		case "l":
			cfg.Registration.Levels = *levels
		case "interp":
			cfg.Registration.Interpolator = *interpDesc
		case "t":
			cfg.Output.TransformFile = *transformFile
		case "cores":
			cfg.Processing.NumCores = *numCores
		case "v":
			cfg.Output.Verbose = *verbose
		}
	})
	if flag.NArg() > 0 {
		cfg.Registration.Costs = flag.Args()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	parallel.SetDefaultWorkers(cfg.Processing.NumCores)

	reg, err := registration.NewRegistration(cfg.Params())
	if err != nil {
		log.Fatalf("Failed to set up registration: %v", err)
	}

	// Load both images concurrently
	var reference, floating *models.Image
	var g errgroup.Group
	g.Go(func() (err error) {
		reference, err = imageio.Load(*referencePath)
		return err
	})
	g.Go(func() (err error) {
		floating, err = imageio.Load(*floatingPath)
		return err
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("Failed to load images: %v", err)
	}

	fmt.Printf("Registering %s (%s) onto %s (%s)\n", *floatingPath, floating.Size, *referencePath, reference.Size)
	fmt.Printf("Transformation: %s, minimizer: %s, levels: %d, costs: %v\n",
		cfg.Registration.Transform, cfg.Registration.Minimizer, cfg.Registration.Levels, cfg.Registration.Costs)

	startTime := time.Now()
	t, err := reg.Run(reference, floating)
	if err != nil {
		log.Fatalf("Registration failed: %v", err)
	}
	processingTime := time.Since(startTime)

	registered, err := transform.Transformed(t, floating, reg.Kernel())
	if err != nil {
		log.Fatalf("Failed to resample floating image: %v", err)
	}
	if err := imageio.Save(*outputPath, registered); err != nil {
		log.Fatalf("Failed to save registered image: %v", err)
	}
	if cfg.Output.TransformFile != "" {
		if err := transform.SaveFile(cfg.Output.TransformFile, t); err != nil {
			log.Fatalf("Failed to save transformation: %v", err)
		}
		fmt.Printf("Transformation saved to: %s\n", cfg.Output.TransformFile)
	}

	fmt.Printf("\nRegistration completed in %.2f seconds\n", processingTime.Seconds())
	fmt.Printf("Registered image saved to: %s\n\n", *outputPath)

	if cfg.Output.Verbose {
		fmt.Println("Level summary:")
		for _, rep := range reg.Reports() {
			refined := ""
			if rep.Refined {
				refined = " (refined)"
			}
			fmt.Printf("- level %d%s %s, %d parameters: %.6g -> %.6g, %d evaluations\n",
				rep.Level, refined, rep.Size, rep.DOF, rep.StartCost, rep.EndCost, rep.Evaluations)
		}
		fmt.Println()
	}

	// Registration quality against the reference
	unregistered, err := resampled(floating, reference, reg)
	if err != nil {
		log.Fatalf("Failed to resample floating image: %v", err)
	}
	before, err := registration.Compare(reference, unregistered)
	if err != nil {
		log.Fatalf("Failed to compute metrics: %v", err)
	}
	after, err := registration.Compare(reference, registered)
	if err != nil {
		log.Fatalf("Failed to compute metrics: %v", err)
	}
	fmt.Printf("Validation Metrics:\n")
	fmt.Printf("===================\n")
	fmt.Printf("Before: %s\n", before)
	fmt.Printf("After:  %s\n", after)
	fmt.Printf("Largest displacement: %.3f pixels\n", t.MaxTransform())
}

// resampled returns the floating image on the reference grid under the
// identity transformation.
func resampled(floating, reference *models.Image, reg *registration.Registration) (*models.Image, error) {
	if floating.Size.Equal(reference.Size) {
		return floating, nil
	}
	id, err := transform.NewTranslate(reference.Size)
	if err != nil {
		return nil, err
	}
	return transform.Transformed(id, floating, reg.Kernel())
}
