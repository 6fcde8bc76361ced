package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	loginUser string
	loginPass string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Obtain a JWT for the protected API endpoints",
	RunE:  runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginUser, "user", "admin", "admin username")
	loginCmd.Flags().StringVar(&loginPass, "password", "", "admin password")
	loginCmd.MarkFlagRequired("password") //nolint:errcheck
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	var out struct {
		Token string `json:"token"`
	}
	err := apiPost("/api/auth/login", map[string]string{
		"username": loginUser,
		"password": loginPass,
	}, &out)
	if err != nil {
		return err
	}
	// Print only the token so it can be captured:
	//   commbus agents --token "$(commbus login --password ...)"
	fmt.Println(out.Token)
	return nil
}
