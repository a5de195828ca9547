package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/conversion-fetch/internal/app"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	fetchStart     string
	fetchEnd       string
	fetchCurrency  string
	fetchRecordCap int
	fetchOut       string
	fetchFilters   map[string]string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run one fetch session and write the result as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		start, err := app.ParseDate(fetchStart)
		if err != nil {
			return err
		}
		end, err := app.ParseDate(fetchEnd)
		if err != nil {
			return err
		}

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		req := a.NewRequest(start, end, fetchCurrency, fetchFilters)
		result, runErr := a.EngineWithCap(fetchRecordCap).RunFetch(ctx, req)
		if result == nil {
			return runErr
		}

		if err := writeOutput(cmd.OutOrStdout(), fetchOut, newFetchOutput(result)); err != nil {
			return err
		}

		log.Info().
			Str("session_id", result.SessionID).
			Int("records", len(result.Records)).
			Int("skipped", len(result.SkippedPages)).
			Bool("aborted", result.Aborted).
			Msg("Fetch finished")

		return runErr
	},
}

// writeOutput writes v to path, or to stdout when path is empty or "-".
func writeOutput(stdout io.Writer, path string, v any) error {
	w := stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return eris.Wrapf(err, "create output file %s", path)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "write output")
	}
	return nil
}

func init() {
	fetchCmd.Flags().StringVar(&fetchStart, "start", "", "start date (YYYY-MM-DD)")
	fetchCmd.Flags().StringVar(&fetchEnd, "end", "", "end date (YYYY-MM-DD)")
	fetchCmd.Flags().StringVar(&fetchCurrency, "currency", "", "preferred currency (default from config)")
	fetchCmd.Flags().IntVar(&fetchRecordCap, "record-cap", 0, "stop after this many records (default from config)")
	fetchCmd.Flags().StringVar(&fetchOut, "out", "", "output file (default stdout)")
	fetchCmd.Flags().StringToStringVar(&fetchFilters, "filter", nil, "extra filters as key=value")
	_ = fetchCmd.MarkFlagRequired("start")
	_ = fetchCmd.MarkFlagRequired("end")
	rootCmd.AddCommand(fetchCmd)
}
