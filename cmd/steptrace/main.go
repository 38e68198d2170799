package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PatchLens/go-step-lens/lens"
	"github.com/PatchLens/go-step-lens/lens/cmd"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config, err := cmd.ParseFlags([]cmd.CustomFlag{
		{Name: "script", DefaultValue: "", Usage: "Script file to trace, stdin when unset", Type: "string"},
		{Name: "echo", DefaultValue: false, Usage: "Echo script output to stderr while tracing", Type: "bool"},
		{Name: "charts", DefaultValue: "", Usage: "Optional memory chart output file", Type: "string"},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid flags")
	} else if err := config.Prepare(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	config.ConfigureLogging()

	var code []byte
	if path := config.CustomFlags["script"]; path != "" {
		code, err = os.ReadFile(path)
	} else {
		code, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read script")
	}

	tracer := lens.NewTracer(config.Trace)
	if config.CustomFlags["echo"] == "true" {
		tracer.Mirror = os.Stderr
	}
	service, err := lens.NewServiceWithProviders(config, tracer, nil, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("service setup failed")
	}
	resp, err := service.Run(context.Background(), lens.RunRequest{Code: string(code)})
	if closeErr := service.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Msg("service close failed")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("trace failed")
	}
	if chartsFile := config.CustomFlags["charts"]; chartsFile != "" {
		if err := lens.WriteRunCharts(chartsFile, "", resp); err != nil {
			log.Error().Err(err).Msg("failed to write charts")
		}
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(resp); err != nil {
		log.Fatal().Err(err).Msg("failed to write trace")
	}
	if resp.Failed() {
		os.Exit(1)
	}
}
