package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	chatkit "github.com/tradora-app/chatkit"
)

var loginGuest bool

func init() {
	loginCmd.Flags().BoolVar(&loginGuest, "guest", false, "Store the token as a guest session")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(whoamiCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a session token",
	Long:  "Validate a Tradora session token against the API and store it locally\nalong with the resolved identity.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		var opts []chatkit.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, chatkit.WithBaseURL(cfg.Default.BaseURL))
		}
		client := chatkit.NewClient(chatkit.Credential{Token: token, Guest: loginGuest}, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		me, err := client.Me(ctx)
		if err != nil {
			return fmt.Errorf("token validation failed: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.Guest = loginGuest
		cfg.Auth.UserID = me.UserID
		cfg.Auth.Username = me.Username

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login successful!")
		fmt.Printf("  User ID:  %s\n", me.UserID)
		fmt.Printf("  Username: %s\n", me.Username)
		if loginGuest {
			fmt.Println("  (guest session)")
		}
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the authenticated identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		me, err := client.Me(ctx)
		if err != nil {
			return fmt.Errorf("identity request failed: %w", err)
		}

		fmt.Printf("User ID:  %s\n", me.UserID)
		fmt.Printf("Username: %s\n", me.Username)
		if me.Guest {
			fmt.Println("Guest:    yes")
		}
		return nil
	},
}
