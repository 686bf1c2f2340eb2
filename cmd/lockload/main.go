package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	jsonOutput bool
	rootCmd    = &cobra.Command{
		Use:   "lockload",
		Short: "Contention generator for originlockd",
		Long: `lockload drives many concurrent clients against an originlockd
instance and checks that exclusive grants never overlap and that fencing
tokens only move forward per scope.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	var (
		cfg    LoadConfig
		scopes string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a contention test",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Scopes = splitScopes(scopes)
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rep := Run(ctx, cfg)
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			rep.Print(os.Stdout)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", "http://localhost:8080", "originlockd base URL")
	f.StringVar(&cfg.Origin, "origin", "https://load.example", "origin to lock under")
	f.IntVar(&cfg.Clients, "clients", 50, "number of concurrent clients")
	f.DurationVar(&cfg.Duration, "duration", 20*time.Second, "test duration")
	f.StringVar(&scopes, "scopes", "a,b,c", "comma separated scope tokens to contend on")
	f.Float64Var(&cfg.SharedRatio, "shared-ratio", 0.5, "probability that a request is shared")
	f.DurationVar(&cfg.TTL, "ttl", 800*time.Millisecond, "lease ttl (0 = no expiry)")
	f.DurationVar(&cfg.Hold, "hold", 30*time.Millisecond, "time spent in critical section")
	f.DurationVar(&cfg.Jitter, "jitter", 30*time.Millisecond, "extra random sleep while holding")
	f.Float64Var(&cfg.FailRate, "failrate", 0, "probability to sleep past ttl (simulate GC pause / stall)")
	f.BoolVar(&cfg.Wait, "wait", false, "queue on the server instead of polling")
	return cmd
}

func splitScopes(s string) []string {
	var out []string
	for _, tok := range strings.Split(s, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
