package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/bamboo/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Long:  "Walks through provider selection and writes the config file. Secrets are never written; API keys stay in environment variables and device-code tokens in the auth cache.",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runOnboard(); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(cfg.LLM.Providers))
	for name := range cfg.LLM.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]huh.Option[string], 0, len(names))
	for _, name := range names {
		pc := cfg.LLM.Providers[name]
		label := name
		switch pc.Auth.Type {
		case "device_code":
			label = fmt.Sprintf("%s (device-code login)", name)
		case "api_key", "bearer":
			label = fmt.Sprintf("%s (key from $%s)", name, pc.Auth.Env)
		}
		opts = append(opts, huh.NewOption(label, name))
	}

	providerName := cfg.LLM.DefaultProvider
	model := ""
	enableGateway := cfg.Gateway.Enabled

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Default LLM provider").
				Description("API keys are read from the environment and never stored in the config file.").
				Options(opts...).
				Value(&providerName),
			huh.NewInput().
				Title("Model override").
				Description("Leave empty to keep the provider default.").
				Value(&model),
			huh.NewConfirm().
				Title("Enable the WebSocket gateway?").
				Value(&enableGateway),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.LLM.DefaultProvider = providerName
	if pc := cfg.LLM.Providers[providerName]; pc != nil {
		pc.Enabled = true
		if model != "" {
			pc.Model = model
		}
	}
	cfg.Gateway.Enabled = enableGateway

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}

	fmt.Printf("Config written to %s\n\n", cfgPath)
	if pc := cfg.LLM.Providers[providerName]; pc != nil {
		switch pc.Auth.Type {
		case "device_code":
			fmt.Printf("Next: bamboo login %s\n", providerName)
		case "api_key", "bearer":
			fmt.Printf("Next: export %s=<your key>\n", pc.Auth.Env)
		}
	}
	if enableGateway {
		fmt.Println("Optional: export BAMBOO_GATEWAY_TOKEN=<token> to require client auth")
	}
	fmt.Println("Then: bamboo serve")
	return nil
}
