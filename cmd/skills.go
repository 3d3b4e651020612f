package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/bamboo/internal/config"
	"github.com/nextlevelbuilder/bamboo/internal/skills"
)

func skillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect installed skills",
	}
	cmd.AddCommand(skillsListCmd())
	return cmd
}

func skillsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List skills found in the configured directories",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tTOOLS\tDESCRIPTION")
			total := 0
			for _, dir := range cfg.SkillDirs() {
				found, err := skills.ScanDir(dir)
				if err != nil {
					fmt.Fprintf(os.Stderr, "scan %s: %v\n", dir, err)
					continue
				}
				for _, sk := range found {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						sk.Name,
						sk.Version,
						strings.Join(sk.ToolNames(), ","),
						runewidth.Truncate(sk.Description, 48, "..."),
					)
					total++
				}
			}
			w.Flush()
			fmt.Printf("%d skills\n", total)
		},
	}
}
