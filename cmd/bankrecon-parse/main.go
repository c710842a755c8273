// Command bankrecon-parse converts bank export files to canonical JSON
// without touching any store. Diagnostics go to stderr.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/savegress/bankrecon/internal/logger"
	"github.com/savegress/bankrecon/internal/parsers"
)

func main() {
	format := flag.String("format", "", "force a format (csv, ofx, qif, camt) instead of detecting it")
	currency := flag.String("currency", "", "currency for transactions the file leaves without one")
	pretty := flag.Bool("pretty", false, "indent JSON output")
	logLevel := flag.String("log-level", "warn", "log level for diagnostics")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] FILE... (use - for stdin)\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	log := logger.New(logger.Options{Level: *logLevel, Format: "console", Output: os.Stderr})
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	enc := json.NewEncoder(os.Stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}

	registry := parsers.NewRegistry()
	failed := false
	for _, path := range flag.Args() {
		res, err := parseFile(registry, path, parsers.Format(*format))
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("parse failed")
			failed = true
			continue
		}
		if *currency != "" {
			for i := range res.Transactions {
				if res.Transactions[i].Currency == "" {
					res.Transactions[i].Currency = *currency
				}
			}
		}
		report(log, path, res)
		if err := enc.Encode(res); err != nil {
			log.Fatal().Err(err).Msg("write output")
		}
	}
	if failed {
		os.Exit(1)
	}
}

func parseFile(registry *parsers.Registry, path string, format parsers.Format) (*parsers.Result, error) {
	content, err := readInput(path)
	if err != nil {
		return nil, err
	}

	var p parsers.Parser
	if format != "" {
		p, err = registry.ForFormat(format)
	} else {
		p, err = registry.Detect(path, content)
	}
	if err != nil {
		return nil, err
	}
	return p.Parse(content)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func report(log zerolog.Logger, path string, res *parsers.Result) {
	for _, d := range res.Diagnostics {
		log.Warn().Str("file", path).Int("line", d.Line).Int("entry", d.Entry).Msg(d.Message)
	}
	log.Info().
		Str("file", path).
		Str("format", string(res.Format)).
		Int("transactions", len(res.Transactions)).
		Int("skipped", len(res.Diagnostics)).
		Msg("parsed")
}
