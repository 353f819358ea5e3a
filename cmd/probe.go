package cmd

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/ferry/internal/discovery"
	"github.com/DragonSecurity/ferry/internal/pool"
	"github.com/DragonSecurity/ferry/pkg/util"
)

func init() {
	probeCmd.Flags().String("directory", "http://localhost:9090", "node directory base URL")
	probeCmd.Flags().String("region", "", "restrict nodes to a region")
	probeCmd.Flags().Bool("verified", false, "restrict to verified nodes")
	probeCmd.Flags().Bool("report", false, "report observations back to the directory")

	_ = viper.BindPFlag("probe.directory", probeCmd.Flags().Lookup("directory"))
	_ = viper.BindPFlag("probe.region", probeCmd.Flags().Lookup("region"))
	_ = viper.BindPFlag("probe.verified", probeCmd.Flags().Lookup("verified"))
	_ = viper.BindPFlag("probe.report", probeCmd.Flags().Lookup("report"))

	rootCmd.AddCommand(probeCmd)
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "probe every directory node and print health/latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := util.NewLogger("probe").WithDebug(viper.GetBool("debug"))
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		tracker := pool.NewTracker()
		dir := discovery.NewClient(viper.GetString("probe.directory"), log)
		unsubscribe := dir.Subscribe(func(recs []discovery.Record) {
			urls := make([]string, 0, len(recs))
			for _, rec := range recs {
				urls = append(urls, rec.URL)
			}
			tracker.Replace(urls)
		})
		defer unsubscribe()

		filter := discovery.Filter{
			Region:   viper.GetString("probe.region"),
			Verified: viper.GetBool("probe.verified"),
		}
		if _, err := dir.Fetch(ctx, filter); err != nil {
			return fmt.Errorf("node directory: %w", err)
		}

		pool.ProbeAll(ctx, tracker, nil, log)

		nodes := tracker.All()
		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NODE\tHEALTHY\tLATENCY\tSUCCESS/TOTAL")
		for _, n := range nodes {
			latency := "-"
			if !math.IsInf(n.Latency, 1) {
				latency = fmt.Sprintf("%.1fms", n.Latency)
			}
			fmt.Fprintf(tw, "%s\t%v\t%s\t%d/%d\n", n.URL, n.Healthy, latency, n.Successes, n.Total)
		}
		_ = tw.Flush()

		if viper.GetBool("probe.report") {
			reports := make([]discovery.HealthReport, 0, len(nodes))
			for _, n := range nodes {
				lat := n.Latency
				if math.IsInf(lat, 1) {
					lat = 0
				}
				reports = append(reports, discovery.HealthReport{URL: n.URL, Healthy: n.Healthy, LatencyMS: lat})
			}
			if err := dir.ReportHealth(ctx, reports); err != nil {
				log.Warnf("health report: %v", err)
			}
		}
		return nil
	},
}
