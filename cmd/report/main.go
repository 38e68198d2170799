package main

import (
	"encoding/json"
	"flag"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PatchLens/go-step-lens/lens"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	runJsonFile := flag.String("json", "run.json", "Run response or archived run JSON file")
	chartsFile := flag.String("charts", "memory.png", "File to output the memory chart image (png, jpg or svg)")
	title := flag.String("title", "", "Optional chart title")
	flag.Parse()

	data, err := os.ReadFile(*runJsonFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read run file")
	}
	// archived runs wrap the response, plain /run responses are accepted as well
	var record lens.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		log.Fatal().Err(err).Msg("failed to unmarshal run file")
	}
	resp := record.Response
	if resp == nil {
		resp = &lens.RunResponse{}
		if err := json.Unmarshal(data, resp); err != nil {
			log.Fatal().Err(err).Msg("failed to unmarshal run response")
		}
	}

	if err := lens.WriteRunCharts(*chartsFile, *title, resp); err != nil {
		log.Fatal().Err(err).Msg("failed to write charts")
	}
	log.Info().Str("file", *chartsFile).Msg("chart file wrote")
}
