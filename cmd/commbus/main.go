// Command commbus is the operator CLI for the commbus daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openhive/commbus/internal/version"
)

var (
	serverURL string
	authToken string
)

var rootCmd = &cobra.Command{
	Use:   "commbus",
	Short: "commbus — operator CLI for the inter-agent message bus daemon",
	Long: `commbus talks to a running commbusd daemon: inspect presence and
channels, replay message history, and send or receive messages as an
agent session.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version.Version
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9070", "daemon base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "JWT for protected endpoints (see `commbus login`)")
}
