package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/openhive/commbus/comms"
	"github.com/openhive/commbus/presence"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status, presence, and pending messages",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusResponse struct {
	Version      string              `json:"version"`
	Uptime       int                 `json:"uptime"`
	ActiveAgents []string            `json:"active_agents"`
	Pending      map[string]int      `json:"pending_messages_per_agent"`
	Channels     []comms.ChannelInfo `json:"channels"`
	Presence     []presence.Record   `json:"presence"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	var st statusResponse
	if err := apiGet("/api/status", &st); err != nil {
		return err
	}

	title := cases.Title(language.English)

	fmt.Printf("commbus daemon %s (up %s)\n", st.Version, (time.Duration(st.Uptime) * time.Second).String())
	fmt.Printf("Active agents: %d\n", len(st.ActiveAgents))

	if len(st.Presence) > 0 {
		fmt.Println("\nPresence:")
		for _, rec := range st.Presence {
			line := fmt.Sprintf("  %-16s %-8s", rec.AgentID, title.String(string(rec.Status)))
			if !rec.LastSeen.IsZero() {
				line += "  last seen " + rec.LastSeen.Local().Format(time.RFC3339)
			}
			if pending := st.Pending[rec.AgentID]; pending > 0 {
				line += fmt.Sprintf("  (%d pending)", pending)
			}
			fmt.Println(line)
		}
	}

	if len(st.Channels) > 0 {
		fmt.Println("\nChannels:")
		for _, ch := range st.Channels {
			fmt.Printf("  %-16s %-12s %d member(s)\n", ch.Name, title.String(string(ch.Kind)), len(ch.Members))
		}
	}
	return nil
}
