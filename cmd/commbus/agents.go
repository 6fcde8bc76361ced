package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/openhive/commbus/presence"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List known agents and their presence",
	RunE:  runAgents,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	var records []presence.Record
	if err := apiGet("/api/agents", &records); err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No agents have connected yet.")
		return nil
	}

	title := cases.Title(language.English)
	for _, rec := range records {
		line := fmt.Sprintf("%-16s %-8s", rec.AgentID, title.String(string(rec.Status)))
		if rec.Handle != "" {
			line += "  " + rec.Handle
		}
		if !rec.LastSeen.IsZero() {
			line += "  last seen " + rec.LastSeen.Local().Format(time.RFC3339)
		}
		fmt.Println(line)
	}
	return nil
}
