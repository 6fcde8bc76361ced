package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openhive/commbus/client"
	"github.com/openhive/commbus/comms"
)

var (
	sendAs       string
	sendTo       string
	sendText     string
	sendPriority string
	sendKey      string
	sendWait     bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a chat message as an agent session",
	Long: `send dials the daemon as --as, submits a user_chat message to --to
(an agent, a channel, or "all"), and prints the delivery ticket. With
--wait it blocks for a correlated reply.`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendAs, "as", "", "agent identity to send as")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient agent or channel")
	sendCmd.Flags().StringVar(&sendText, "text", "", "message text")
	sendCmd.Flags().StringVar(&sendPriority, "priority", "normal", "low, normal, high, or urgent")
	sendCmd.Flags().StringVar(&sendKey, "key", "", "shared agent key, if the daemon requires one")
	sendCmd.Flags().BoolVar(&sendWait, "wait", false, "block for a reply correlated to this message")
	sendCmd.MarkFlagRequired("as")   //nolint:errcheck
	sendCmd.MarkFlagRequired("to")   //nolint:errcheck
	sendCmd.MarkFlagRequired("text") //nolint:errcheck
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	priority, err := comms.ParsePriority(sendPriority)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sess, err := client.Dial(ctx, serverURL, sendAs, client.Options{Key: sendKey})
	if err != nil {
		return err
	}
	defer sess.Close()

	env, err := comms.NewEnvelope(comms.TypeUserChat, sendAs, sendTo, comms.ChatPayload{Text: sendText})
	if err != nil {
		return err
	}
	env.Priority = priority

	ticket, err := sess.Submit(ctx, env)
	if err != nil {
		return err
	}
	fmt.Printf("Delivered %s to %s\n", ticket.EnvelopeID, strings.Join(ticket.Recipients, ", "))

	if !sendWait {
		return nil
	}
	reply, ok, err := sess.AwaitCorrelated(ctx, env.ID, 30*time.Second)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No reply within 30s.")
		return nil
	}
	fmt.Printf("Reply from %s: %s\n", reply.From, string(reply.Payload))
	return nil
}
