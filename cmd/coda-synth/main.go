// Command coda-synth writes synthetic coda measurements with known source,
// path and site terms, for exercising the calibration pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/chrissnell/codacal/internal/coda/synth"
	"github.com/chrissnell/codacal/internal/log"
	"github.com/chrissnell/codacal/internal/storage/files"
	"github.com/chrissnell/codacal/internal/storage/sqlsource"
)

func main() {
	var (
		cfgFile  = flag.String("config", "", "YAML network description (default: built-in four station network)")
		out      = flag.String("out", "", "Snapshot file to write (.json or .msgpack)")
		driver   = flag.String("driver", "", "Import into a SQL database instead: sqlite or postgres")
		dsn      = flag.String("dsn", "", "Database connection string for -driver")
		seed     = flag.Uint64("seed", 0, "Random seed (default: from config)")
		coverage = flag.Float64("coverage", 0, "Probability a station records an event (default: from config)")
		noise    = flag.Float64("noise", -1, "Log10 noise standard deviation (default: from config)")
		debug    = flag.Bool("debug", false, "Turn on debugging output")
	)
	flag.Parse()

	if (*out == "") == (*driver == "") {
		fmt.Fprintf(os.Stderr, "Usage: %s (-out <snapshot.json> | -driver <sqlite|postgres> -dsn <dsn>)\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := log.Init(*debug); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := loadNetwork(*cfgFile)
	if err != nil {
		log.Fatalf("loading network: %v", err)
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}
	if *coverage > 0 {
		cfg.Coverage = *coverage
	}
	if *noise >= 0 {
		cfg.Noise = *noise
	}

	snap := synth.Generate(cfg)
	log.Infof("generated %s measurements: %d events, %d stations, %d bands",
		humanize.Comma(int64(len(snap.Measurements))), len(cfg.Events), len(cfg.Stations), len(cfg.Bands))

	if *out != "" {
		doc := &files.Document{
			Measurements:    snap.Measurements,
			ReferenceEvents: snap.ReferenceEvents,
			Sites:           snap.Sites,
		}
		if err := files.WriteFile(*out, doc); err != nil {
			log.Fatalf("writing snapshot: %v", err)
		}
		log.Infof("wrote %s", *out)
		return
	}

	src, err := sqlsource.Open(*driver, *dsn, log.Named("sqlsource"))
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer src.Close()

	ctx := context.Background()
	if err := src.EnsureSchema(ctx); err != nil {
		log.Fatalf("creating schema: %v", err)
	}
	if err := src.Import(ctx, snap.Measurements); err != nil {
		log.Fatalf("importing measurements: %v", err)
	}
	log.Infof("imported %s measurements into %s", humanize.Comma(int64(len(snap.Measurements))), *driver)
}

// loadNetwork reads a YAML network over the defaults. Fields absent from the
// file keep their default values.
func loadNetwork(path string) (synth.Config, error) {
	cfg := synth.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
