package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/pushrelay/internal/classifier"
	"github.com/user/pushrelay/internal/correlator"
	"github.com/user/pushrelay/internal/store/redisstore"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.AddCommand(watchListCmd, watchInspectCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Inspect watch subscriptions",
}

func joinValues(values []int64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}

var watchListCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List subscriptions, optionally filtered by a key pattern",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := redisstore.New(redisstore.OptionsFromConfig(cfg))
		defer store.Close()

		pattern := cfg.Prefixes.Watchable + "*"
		if len(args) == 1 {
			pattern = cfg.Prefixes.Watchable + args[0]
		}

		subs, err := store.Match(cmd.Context(), pattern)
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		if len(subs) == 0 {
			fmt.Println("No subscriptions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tTYPE\tEVENT\tNEXT EVENT")
		for _, s := range subs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.Key, s.Options.Type, s.Event, s.NextEvent)
		}
		return w.Flush()
	},
}

var watchInspectCmd = &cobra.Command{
	Use:   "inspect <item> <method>",
	Short: "Show what each subscription would receive for an item event, without dispatching",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := redisstore.New(redisstore.OptionsFromConfig(cfg))
		defer store.Close()

		logKey := classifier.RulesFromConfig(cfg).LogKey(args[0], args[1])
		matches, err := correlator.New(store, store, cfg.Prefixes).Correlate(cmd.Context(), logKey)
		if err != nil {
			return fmt.Errorf("correlate %s: %w", logKey, err)
		}
		if len(matches) == 0 {
			fmt.Printf("No pending deliveries for %s.\n", logKey)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WATCHABLE\tTYPE\tVALUES\tNEXT EVENT")
		for _, m := range matches {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
				m.SubscriberKey,
				m.Subscription.Options.Type,
				joinValues(m.Values),
				m.NextEvent,
			)
		}
		return w.Flush()
	},
}
