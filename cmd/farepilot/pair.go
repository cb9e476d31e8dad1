package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/farepilot/farepilot/internal/auth"
	"github.com/farepilot/farepilot/internal/config"
)

var (
	pairRole string
	pairName string
	pairTTL  time.Duration
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Mint a client token for a capture agent or overlay",
	Long: `Signs a token with FAREPILOT_AUTH_SECRET. The capture agent presents it
when connecting to /ws/feed, the overlay to /ws/overlay and the REST
API. The token is printed to stdout; details go to stderr.`,
	RunE: runPair,
}

func init() {
	pairCmd.Flags().StringVar(&pairRole, "role", "", "client role: agent or overlay (required)")
	pairCmd.Flags().StringVar(&pairName, "name", "", "client name embedded in the token (default: hostname)")
	pairCmd.Flags().DurationVar(&pairTTL, "ttl", 30*24*time.Hour, "token lifetime")
	_ = pairCmd.MarkFlagRequired("role")
}

func runPair(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.AuthSecret == "" {
		return fmt.Errorf("auth is disabled: set FAREPILOT_AUTH_SECRET before pairing")
	}

	name := pairName
	if name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		name = host
	}

	token, err := auth.New(cfg.AuthSecret).Mint(auth.Role(pairRole), name, pairTTL)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "role=%s name=%s expires=%s\n",
		pairRole, name, time.Now().Add(pairTTL).Format(time.RFC3339))
	fmt.Println(token)
	return nil
}
