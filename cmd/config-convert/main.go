package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chrissnell/codacal/pkg/config"
)

func main() {
	var (
		yamlFile   = flag.String("yaml", "", "Path to YAML configuration file (required)")
		sqliteFile = flag.String("sqlite", "", "Path to SQLite database file (required)")
		force      = flag.Bool("force", false, "Overwrite existing SQLite database")
		dryRun     = flag.Bool("dry-run", false, "Show what would be done without executing")
	)
	flag.Parse()

	if *yamlFile == "" || *sqliteFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -yaml <codacal.yaml> -sqlite <codacal.db>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	// Check if YAML file exists
	if _, err := os.Stat(*yamlFile); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error: YAML file does not exist: %s\n", *yamlFile)
		os.Exit(1)
	}

	// Check if SQLite file already exists
	if _, err := os.Stat(*sqliteFile); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "Error: SQLite file already exists: %s\n", *sqliteFile)
		fmt.Fprintf(os.Stderr, "Use -force to overwrite or choose a different filename\n")
		os.Exit(1)
	}

	fmt.Printf("Converting YAML configuration to SQLite...\n")
	fmt.Printf("  Source: %s\n", *yamlFile)
	fmt.Printf("  Target: %s\n", *sqliteFile)

	if *dryRun {
		fmt.Println("DRY RUN - No changes will be made")
	}

	// Load YAML configuration
	fmt.Printf("Loading YAML configuration...\n")
	configData, err := config.NewYAMLProvider(*yamlFile).LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading YAML configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("  Loaded %d bands, %d reference events\n", len(configData.Bands), len(configData.ReferenceEvents))

	if *dryRun {
		printConfigSummary(configData)
		fmt.Println("DRY RUN complete - no database created")
		return
	}

	// Remove existing SQLite file if force is specified
	if *force {
		if err := os.Remove(*sqliteFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error removing existing SQLite file: %v\n", err)
			os.Exit(1)
		}
	}

	if err := os.MkdirAll(filepath.Dir(*sqliteFile), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
		os.Exit(1)
	}

	// Load configuration into SQLite database
	fmt.Printf("Loading configuration into SQLite database...\n")
	if err := loadConfigIntoSQLite(*sqliteFile, configData); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration into SQLite: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Conversion completed successfully!\n")
	fmt.Printf("You can now use the SQLite backend with: -config-backend sqlite -config %s\n", *sqliteFile)
}

func loadConfigIntoSQLite(dbPath string, configData *config.ConfigData) error {
	// Create SQLite provider (which will open the database and create the schema)
	provider, err := config.NewSQLiteProvider(dbPath)
	if err != nil {
		return fmt.Errorf("failed to create SQLite provider: %w", err)
	}
	defer provider.Close()

	return provider.SaveConfig(configData)
}

func printConfigSummary(configData *config.ConfigData) {
	cal := configData.Calibration
	fmt.Println("\nConfiguration Summary:")
	fmt.Printf("  Path method: %s\n", orDefault(cal.PathMethod))
	fmt.Printf("  Normalization: %s\n", orDefault(cal.Normalization))
	fmt.Printf("  Combination: %s\n", orDefault(cal.Combination))
	fmt.Printf("  Uncertainty: %s\n", orDefault(cal.Uncertainty))

	fmt.Printf("\nBands (%d):\n", len(configData.Bands))
	for _, b := range configData.Bands {
		fmt.Printf("  - %s (%.2f-%.2f Hz, offset %.3f)\n", b.ID, b.LowHz, b.HighHz, b.Offset)
	}

	fmt.Printf("\nReference events (%d):\n", len(configData.ReferenceEvents))
	for _, ev := range configData.ReferenceEvents {
		fmt.Printf("  - %s: Mw %.2f\n", ev.EventID, ev.Mw)
	}

	if configData.Input.Path != "" {
		fmt.Printf("\nInput: %s\n", configData.Input.Path)
	} else if configData.Input.Driver != "" {
		fmt.Printf("\nInput: %s database\n", configData.Input.Driver)
	}
	if configData.Storage.Archive != nil {
		fmt.Printf("Archive: %s\n", configData.Storage.Archive.Path)
	}
	if configData.Storage.RunDB != nil {
		fmt.Println("Run database: configured")
	}
}

func orDefault(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}
