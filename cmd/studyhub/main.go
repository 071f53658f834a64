package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"studyhub/cmd/internal/app"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	var (
		envFile string
		addr    string
	)

	flagSet := pflag.NewFlagSet("studyhub", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "load environment variables from this file when it exists (existing variables win)")
	flagSet.StringVar(&addr, "addr", "", "listen address, overrides STUDYHUB_HTTP_ADDR")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if envFile != "" {
		// godotenv.Load never overrides variables already set.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	return app.Run(app.Options{HTTPAddr: addr})
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `studyhub: realtime study-room messaging and presence server.

Configuration comes from STUDYHUB_* environment variables. Without
STUDYHUB_DATABASE_URL the server runs on in-memory stores; without
STUDYHUB_REDIS_URL presence is local to this process.

Usage:
  studyhub [flags]

Flags:
`)
	flagSet.PrintDefaults()
}
