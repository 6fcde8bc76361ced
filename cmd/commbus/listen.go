package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/openhive/commbus/client"
)

var (
	listenAs       string
	listenKey      string
	listenChannels []string
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect as an agent and print incoming messages",
	RunE:  runListen,
}

func init() {
	listenCmd.Flags().StringVar(&listenAs, "as", "", "agent identity to connect as")
	listenCmd.Flags().StringVar(&listenKey, "key", "", "shared agent key, if the daemon requires one")
	listenCmd.Flags().StringSliceVar(&listenChannels, "join", nil, "channels to subscribe to")
	listenCmd.MarkFlagRequired("as") //nolint:errcheck
	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sess, err := client.Dial(ctx, serverURL, listenAs, client.Options{Key: listenKey})
	if err != nil {
		return err
	}
	defer sess.Close()

	for _, ch := range listenChannels {
		if err := sess.Subscribe(ctx, ch); err != nil {
			return fmt.Errorf("join %s: %w", ch, err)
		}
		fmt.Printf("Joined %s\n", ch)
	}
	fmt.Printf("Listening as %s (Ctrl-C to stop)\n", listenAs)

	for {
		env, ok, err := sess.Receive(ctx, 30*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			continue
		}
		fmt.Printf("%s  %-14s %s -> %s  [%s]\n    %s\n",
			env.CreatedAt.Local().Format(time.RFC3339),
			env.Type, env.From, env.To, env.Priority, string(env.Payload))
	}
}
