package main

import (
	"flag"
	"fmt"
	"os"
	"reflect"

	"github.com/chrissnell/codacal/pkg/config"
)

func main() {
	var (
		yamlFile   = flag.String("yaml", "", "Path to YAML configuration file")
		sqliteFile = flag.String("sqlite", "", "Path to SQLite configuration file")
	)
	flag.Parse()

	if *yamlFile == "" || *sqliteFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -yaml <codacal.yaml> -sqlite <codacal.db>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("Configuration Comparison Test")
	fmt.Println("===========================")

	// Load YAML configuration
	fmt.Printf("Loading YAML configuration: %s\n", *yamlFile)
	yamlConfig, err := config.NewYAMLProvider(*yamlFile).LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading YAML config: %v\n", err)
		os.Exit(1)
	}

	// Load SQLite configuration
	fmt.Printf("Loading SQLite configuration: %s\n", *sqliteFile)
	sqliteProvider, err := config.NewSQLiteProvider(*sqliteFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating SQLite provider: %v\n", err)
		os.Exit(1)
	}
	defer sqliteProvider.Close()

	sqliteConfig, err := sqliteProvider.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading SQLite config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nComparison Results:")
	fmt.Println("==================")

	ok := true
	ok = compare("Calibration", yamlConfig.Calibration, sqliteConfig.Calibration) && ok
	ok = compare("Bands", yamlConfig.Bands, sqliteConfig.Bands) && ok
	ok = compare("Reference events", yamlConfig.ReferenceEvents, sqliteConfig.ReferenceEvents) && ok
	ok = compare("Input", yamlConfig.Input, sqliteConfig.Input) && ok
	ok = compare("Storage", yamlConfig.Storage, sqliteConfig.Storage) && ok
	ok = compare("Server", yamlConfig.Server, sqliteConfig.Server) && ok

	// Both must also produce parameters the pipeline accepts
	fmt.Println("\nParameter Validation:")
	for name, c := range map[string]*config.ConfigData{"YAML": yamlConfig, "SQLite": sqliteConfig} {
		if err := c.Params().Validate(); err != nil {
			fmt.Printf("✗ %s parameters invalid: %v\n", name, err)
			ok = false
		} else {
			fmt.Printf("✓ %s parameters valid\n", name)
		}
	}

	if !ok {
		os.Exit(1)
	}
	fmt.Println("\n✓ Configurations match")
}

func compare(section string, yamlValue, sqliteValue any) bool {
	if reflect.DeepEqual(yamlValue, sqliteValue) {
		fmt.Printf("✓ %s matches\n", section)
		return true
	}
	fmt.Printf("✗ %s differs\n", section)
	fmt.Printf("    YAML:   %+v\n", yamlValue)
	fmt.Printf("    SQLite: %+v\n", sqliteValue)
	return false
}
