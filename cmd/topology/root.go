package topology

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ValentinKolb/dRESP/cmd/util"
	"github.com/ValentinKolb/dRESP/rpc/client"
	"github.com/ValentinKolb/dRESP/rpc/cluster"
)

var (
	// TopologyCmd prints the partition table of a cluster
	TopologyCmd = &cobra.Command{
		Use:   "topology",
		Short: "Print the cluster topology",
		Long: `Load the topology of a cluster from the configured seed endpoints and print the
partition table, the nodes and the measured latency to every node the client connected to.
With --watch every installed topology change is printed until the command is interrupted.`,
		RunE: run,
	}
)

func init() {
	key := "watch"
	TopologyCmd.Flags().Bool(key, false, util.WrapString("Keep running and print every topology change (uses --refresh-interval)"))
}

func run(cmd *cobra.Command, _ []string) error {
	if m, _ := cmd.Flags().GetString("mode"); m == "" || m == "standalone" {
		_ = cmd.Flags().Set("mode", "cluster")
	}

	c, config, err := util.NewClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	cc, ok := c.(*client.Cluster)
	if !ok {
		return fmt.Errorf("topology requires cluster mode, got %s", config.Mode)
	}

	printSnapshot(cc, cc.Topology())

	if watch, _ := cmd.Flags().GetBool("watch"); !watch {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(max(config.RefreshInterval(), time.Second))
	defer ticker.Stop()

	last := cc.Topology().Version()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, config.Timeout())
			err := cc.Refresh(rctx)
			cancel()
			if err != nil {
				fmt.Printf("refresh failed: %v\n", err)
				continue
			}
			if s := cc.Topology(); s.Version() != last {
				last = s.Version()
				printSnapshot(cc, s)
			}
		}
	}
}

func printSnapshot(cc *client.Cluster, s *cluster.Snapshot) {
	fmt.Print(s.String())
	fmt.Println()
	fmt.Println("nodes:")
	for _, n := range s.Nodes() {
		health := "ok"
		if !n.Healthy {
			health = "down"
		}
		latency := "-"
		if l := cc.Latency(n.Addr); l > 0 {
			latency = l.String()
		}
		fmt.Printf("  %-40s epoch=%-4d %-5s latency=%s\n", n.String(), n.Epoch, health, latency)
	}
}
