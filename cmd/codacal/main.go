package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/chrissnell/codacal/internal/app"
	"github.com/chrissnell/codacal/internal/log"
	"github.com/chrissnell/codacal/pkg/config"
)

const version = "1.0-" + runtime.GOOS + "/" + runtime.GOARCH

func main() {
	cfgFile := flag.String("config", "codacal.yaml", "Path to configuration source:\n\t\t\t  YAML: codacal.yaml\n\t\t\t  SQLite: codacal.db")
	cfgBackend := flag.String("config-backend", "yaml", "Configuration backend type: 'yaml' for YAML files, 'sqlite' for SQLite databases")
	input := flag.String("input", "", "Measurement snapshot (.json or .msgpack); overrides input.path")
	listen := flag.String("listen", "", "Status API listen address; overrides server.listen_addr")
	serve := flag.Bool("serve", false, "Keep serving the status API after the run until interrupted")
	calibration := flag.String("calibration", "", "Measure the input against this stored calibration run id instead of calibrating")
	asJSON := flag.Bool("json", false, "Write the complete run as JSON to stdout instead of a summary")
	debug := flag.Bool("debug", false, "Turn on debugging output")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("codacal %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	if err := log.Init(*debug); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Load configuration
	cfgData, err := loadConfig(*cfgFile, *cfgBackend)
	if err != nil {
		log.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if *input != "" {
		cfgData.Input = config.InputData{Path: *input}
	}
	if *listen != "" {
		cfgData.Server.ListenAddr = *listen
	}

	application := app.New(cfgData, log.Named("app"))
	application.Serve = *serve
	application.Calibration = *calibration

	run, runErr := application.Run(context.Background())
	if run != nil {
		if *asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(run); err != nil {
				log.Errorf("Failed to write run: %v", err)
			}
		} else {
			writeReport(os.Stdout, run)
		}
	}
	if runErr != nil {
		log.Errorf("Run failed: %v", runErr)
		log.Sync()
		os.Exit(1)
	}
}

func loadConfig(cfgFile, cfgBackend string) (*config.ConfigData, error) {
	filename, _ := filepath.Abs(cfgFile)

	var provider config.ConfigProvider
	var err error

	switch cfgBackend {
	case "yaml":
		provider = config.NewYAMLProvider(filename)
	case "sqlite":
		provider, err = config.NewSQLiteProvider(filename)
		if err != nil {
			return nil, fmt.Errorf("error creating SQLite provider: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported configuration backend: %s. Use 'yaml' or 'sqlite'", cfgBackend)
	}
	defer provider.Close()

	cfgData, err := provider.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("error reading config file. Did you pass the -config flag? Run with -h for help: %w", err)
	}

	return cfgData, nil
}
