package main

import (
	"fmt"
	"os"

	chatkit "github.com/tradora-app/chatkit"
)

// getClient creates a chatkit client authenticated with the stored token.
func getClient() *chatkit.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatkit login <token>' first.")
		os.Exit(1)
	}

	var opts []chatkit.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatkit.WithBaseURL(cfg.Default.BaseURL))
	}

	cred := chatkit.Credential{Token: cfg.Auth.Token, Guest: cfg.Auth.Guest}
	return chatkit.NewClient(cred, opts...)
}
