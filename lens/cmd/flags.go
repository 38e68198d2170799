package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/PatchLens/go-step-lens/lens"
)

// CustomFlag defines a custom CLI option.
type CustomFlag struct {
	Name         string
	DefaultValue any
	Usage        string
	Type         string // "string", "int", "bool"
}

// ParseFlags builds Config from standard and custom flags. Values are layered as defaults, then the optional
// -config yaml file, then the PORT environment variable, then explicitly provided flags.
func ParseFlags(customFlags []CustomFlag) (*lens.Config, error) {
	defaults := lens.DefaultConfig()

	// Define all standard flags
	configFile := flag.String("config", "", "Path to a yaml config file")
	host := flag.String("host", defaults.Host, "Host to bind the HTTP server to")
	port := flag.Int("port", defaults.Port, "Port to bind the HTTP server to (PORT env is used when unset)")
	staticDir := flag.String("static", "", "Directory of the static front-end served under /static/")
	maxCodeBytes := flag.Int64("maxcode", defaults.MaxCodeBytes, "Maximum accepted script size in bytes")
	execTimeout := flag.Duration("timeout", defaults.ExecTimeout, "Execution time limit of a traced script")
	concurrency := flag.Int("concurrency", defaults.MaxConcurrentRuns, "Maximum number of scripts traced concurrently")
	stepCap := flag.Int("steps", defaults.Trace.StepCap, "Maximum number of recorded trace steps")
	previewLimit := flag.Int("preview", defaults.Trace.PreviewLimit, "Maximum characters of a value preview")
	maxCallDepth := flag.Int("maxdepth", defaults.Trace.MaxCallDepth, "Maximum call depth of a traced script")
	storageDir := flag.String("storage", "", "Directory for the persistent run archive, runs are kept in memory when unset")
	storageMaxRuns := flag.Int("maxruns", defaults.StorageMaxRuns, "Maximum runs kept by the in-memory archive")
	cacheMB := flag.Int("cachemb", defaults.StorageCacheMB, "Run archive memory budget in MB")
	runTTL := flag.Duration("runttl", defaults.RunTTL, "Expiration of persisted runs, 0 keeps runs forever")
	logLevel := flag.String("loglevel", defaults.LogLevel, "Log level: trace, debug, info, warn, error")
	logConsole := flag.Bool("logconsole", false, "Human readable console logging instead of JSON")

	// Define custom flags
	customPtrs := make(map[string]interface{})
	for _, cf := range customFlags {
		switch cf.Type {
		case "string":
			customPtrs[cf.Name] = flag.String(cf.Name, cf.DefaultValue.(string), cf.Usage)
		case "int":
			customPtrs[cf.Name] = flag.Int(cf.Name, cf.DefaultValue.(int), cf.Usage)
		case "bool":
			customPtrs[cf.Name] = flag.Bool(cf.Name, cf.DefaultValue.(bool), cf.Usage)
		}
	}

	flag.Parse()

	config := &defaults
	if *configFile != "" {
		if err := loadConfigFile(*configFile, config); err != nil {
			return nil, err
		}
	}
	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	if envPort := os.Getenv("PORT"); envPort != "" && !explicit["port"] {
		p, err := strconv.Atoi(envPort)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT environment value '%s': %w", envPort, err)
		}
		config.Port = p
	}

	// Populate config from explicitly provided flags
	for name := range explicit {
		switch name {
		case "host":
			config.Host = *host
		case "port":
			config.Port = *port
		case "static":
			config.StaticDir = *staticDir
		case "maxcode":
			config.MaxCodeBytes = *maxCodeBytes
		case "timeout":
			config.ExecTimeout = *execTimeout
		case "concurrency":
			config.MaxConcurrentRuns = *concurrency
		case "steps":
			config.Trace.StepCap = *stepCap
		case "preview":
			config.Trace.PreviewLimit = *previewLimit
		case "maxdepth":
			config.Trace.MaxCallDepth = *maxCallDepth
		case "storage":
			config.StorageDir = *storageDir
		case "maxruns":
			config.StorageMaxRuns = *storageMaxRuns
		case "cachemb":
			config.StorageCacheMB = *cacheMB
		case "runttl":
			config.RunTTL = *runTTL
		case "loglevel":
			config.LogLevel = *logLevel
		case "logconsole":
			config.LogConsole = *logConsole
		}
	}

	// Populate custom flags - convert all to strings for ease of use
	config.CustomFlags = make(map[string]string)
	for name, ptr := range customPtrs {
		switch v := ptr.(type) {
		case *string:
			config.CustomFlags[name] = *v
		case *int:
			config.CustomFlags[name] = strconv.Itoa(*v)
		case *bool:
			config.CustomFlags[name] = strconv.FormatBool(*v)
		}
	}

	return config, nil
}

func loadConfigFile(path string, config *lens.Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	return nil
}
