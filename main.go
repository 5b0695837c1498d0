package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/tanpawarit/cognitive-backoffice/pkg/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Error().Err(err).Msg("backoffice failed")
		os.Exit(1)
	}
}
