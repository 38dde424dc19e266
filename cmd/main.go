package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gema-arta/ratarmount/pkg/commands"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd := commands.RootCmd
	rootCmd.AddCommand(commands.JoinCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("failed to execute command")
		os.Exit(1)
	}
}
