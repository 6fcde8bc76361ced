package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/openhive/commbus/comms"
)

var (
	historyTarget string
	historySince  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Replay the persisted message log for a channel or agent",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyTarget, "target", "", "channel or agent name")
	historyCmd.Flags().StringVar(&historySince, "since", "", "only messages after this RFC 3339 time")
	historyCmd.MarkFlagRequired("target") //nolint:errcheck
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	q := url.Values{"target": {historyTarget}}
	if historySince != "" {
		if _, err := time.Parse(time.RFC3339, historySince); err != nil {
			return fmt.Errorf("--since must be RFC 3339: %w", err)
		}
		q.Set("since", historySince)
	}

	var envs []*comms.Envelope
	if err := apiGet("/api/history?"+q.Encode(), &envs); err != nil {
		return err
	}
	if len(envs) == 0 {
		fmt.Printf("No messages for %s.\n", historyTarget)
		return nil
	}

	for _, env := range envs {
		fmt.Printf("%s  %-14s %s -> %s  [%s]\n",
			env.CreatedAt.Local().Format(time.RFC3339),
			env.Type, env.From, env.To, env.Priority)
		fmt.Printf("    %s\n", string(env.Payload))
	}
	return nil
}
