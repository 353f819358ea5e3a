package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/ferry/internal/discovery"
	"github.com/DragonSecurity/ferry/internal/pool"
	"github.com/DragonSecurity/ferry/pkg/bare"
	"github.com/DragonSecurity/ferry/pkg/util"
)

func init() {
	fetchCmd.Flags().String("directory", "http://localhost:9090", "node directory base URL")
	fetchCmd.Flags().String("region", "", "restrict nodes to a region")
	fetchCmd.Flags().Bool("verified", false, "restrict to verified nodes")
	fetchCmd.Flags().String("strategy", "fastest", "node selection strategy (fastest|round-robin|priority)")
	fetchCmd.Flags().Int("attempts", pool.DefaultMaxAttempts, "max nodes to try")
	fetchCmd.Flags().Duration("timeout", pool.DefaultAttemptTimeout, "per-attempt timeout")
	fetchCmd.Flags().String("method", "GET", "HTTP method")
	fetchCmd.Flags().StringSlice("header", nil, "header to send to the target (name: value)")

	_ = viper.BindPFlag("fetch.directory", fetchCmd.Flags().Lookup("directory"))
	_ = viper.BindPFlag("fetch.region", fetchCmd.Flags().Lookup("region"))
	_ = viper.BindPFlag("fetch.verified", fetchCmd.Flags().Lookup("verified"))
	_ = viper.BindPFlag("fetch.strategy", fetchCmd.Flags().Lookup("strategy"))
	_ = viper.BindPFlag("fetch.attempts", fetchCmd.Flags().Lookup("attempts"))
	_ = viper.BindPFlag("fetch.timeout", fetchCmd.Flags().Lookup("timeout"))

	rootCmd.AddCommand(fetchCmd)
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "fetch a URL through the relay pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := util.NewLogger("fetch").WithDebug(viper.GetBool("debug"))
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		tracker := pool.NewTracker()
		dir := discovery.NewClient(viper.GetString("fetch.directory"), log)
		unsubscribe := dir.Subscribe(func(recs []discovery.Record) {
			urls := make([]string, 0, len(recs))
			for _, rec := range recs {
				urls = append(urls, rec.URL)
			}
			tracker.Replace(urls)
		})
		defer unsubscribe()

		filter := discovery.Filter{
			Region:   viper.GetString("fetch.region"),
			Verified: viper.GetBool("fetch.verified"),
		}
		if _, err := dir.Fetch(ctx, filter); err != nil {
			return fmt.Errorf("node directory: %w", err)
		}

		headers := map[string]string{}
		hdrs, _ := cmd.Flags().GetStringSlice("header")
		for _, h := range hdrs {
			name, value, ok := strings.Cut(h, ":")
			if !ok {
				return fmt.Errorf("malformed header %q, want name: value", h)
			}
			headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}

		selector := pool.NewSelector(tracker, pool.Strategy(viper.GetString("fetch.strategy")))
		orch := pool.NewOrchestrator(tracker, selector, bare.NewClient(nil), log,
			pool.WithMaxAttempts(viper.GetInt("fetch.attempts")),
			pool.WithAttemptTimeout(viper.GetDuration("fetch.timeout")),
		)

		method, _ := cmd.Flags().GetString("method")
		resp, err := orch.Do(ctx, &bare.RelayRequest{
			TargetURL: args[0],
			Method:    method,
			Headers:   headers,
		})
		if err != nil {
			var all *pool.AllNodesFailedError
			if errors.As(err, &all) {
				return fmt.Errorf("no node could serve the request: %w", all)
			}
			return err
		}
		defer resp.Body.Close()

		fmt.Fprintf(os.Stderr, "%d %s\n", resp.Status, resp.StatusText)
		for k, v := range resp.Headers {
			fmt.Fprintf(os.Stderr, "%s: %s\n", k, v)
		}
		_, err = io.Copy(os.Stdout, resp.Body)
		return err
	},
}
