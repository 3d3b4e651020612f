package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/bamboo/internal/config"
	"github.com/nextlevelbuilder/bamboo/internal/session"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the session store",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	return cmd
}

func openStore() (*session.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	return session.NewStore(cfg.SessionsPath(), cfg.Storage.MaxSessions, cfg.Storage.SessionTTL())
}

func sessionsListCmd() *cobra.Command {
	var user string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			result := store.List(session.Filter{
				UserID:     user,
				SortBy:     session.SortUpdatedAt,
				Descending: true,
				Limit:      limit,
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tUSER\tMSGS\tUPDATED\tTITLE")
			for _, m := range result.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					m.ID,
					m.State,
					m.UserID,
					m.MessageCount,
					m.UpdatedAt.Format("2006-01-02 15:04"),
					runewidth.Truncate(m.Title, 40, "..."),
				)
			}
			w.Flush()
			fmt.Printf("%d of %d sessions%s\n", len(result.Sessions), result.Total, statsSummary(store.Stats()))
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "filter by user id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")
	return cmd
}

// statsSummary renders store-wide counts as a footer suffix, e.g.
// " (active 2, completed 7, 143 messages)".
func statsSummary(st session.StoreStats) string {
	if st.Total == 0 {
		return ""
	}
	states := make([]string, 0, len(st.ByState))
	for s := range st.ByState {
		states = append(states, string(s))
	}
	sort.Strings(states)
	parts := make([]string, 0, len(states)+1)
	for _, s := range states {
		parts = append(parts, fmt.Sprintf("%s %d", s, st.ByState[session.State(s)]))
	}
	parts = append(parts, fmt.Sprintf("%d messages", st.TotalMessages))
	return " (" + strings.Join(parts, ", ") + ")"
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session's history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			sess, err := store.Load(args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			fmt.Printf("session %s (%s, %d messages, %d in / %d out tokens)\n\n",
				sess.ID, sess.State, sess.MessageCount,
				sess.InputTokens, sess.OutputTokens)
			for _, msg := range sess.Messages {
				fmt.Printf("[%s] %s\n", msg.Role, msg.Text())
				for _, tc := range msg.ToolCalls {
					fmt.Printf("  -> tool %s\n", tc.Name)
				}
			}
		},
	}
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			if err := store.Delete(args[0]); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			fmt.Printf("deleted %s\n", args[0])
		},
	}
}
