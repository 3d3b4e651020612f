package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/nextlevelbuilder/bamboo/internal/config"
)

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <provider>",
		Short: "Sign in to a device-code provider",
		Long:  "Runs the OAuth device flow for the named provider and caches the token under ~/.bamboo/auth. Only providers configured with auth type device_code can log in.",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runLogin(args[0]); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
		},
	}
}

func runLogin(name string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	pc, ok := cfg.LLM.Providers[name]
	if !ok {
		return fmt.Errorf("provider %q is not configured", name)
	}
	if pc.Auth.Type != "device_code" {
		return fmt.Errorf("provider %q uses %s auth, not device_code", name, pc.Auth.Type)
	}

	auth := deviceCodeAuth(name, pc.Auth, func(da *oauth2.DeviceAuthResponse) {
		fmt.Printf("Open %s and enter code: %s\n", da.VerificationURI, da.UserCode)
		fmt.Println("Waiting for approval...")
	})
	if err := auth.Login(context.Background()); err != nil {
		return fmt.Errorf("login %s: %w", name, err)
	}

	fmt.Printf("Logged in to %s. Token cached for future runs.\n", name)
	return nil
}
