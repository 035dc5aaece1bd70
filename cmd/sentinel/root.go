package sentinel

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ValentinKolb/dRESP/cmd/util"
	"github.com/ValentinKolb/dRESP/rpc/client"
	"github.com/ValentinKolb/dRESP/rpc/sentinel"
)

var (
	// SentinelCmd resolves a master set through its monitors
	SentinelCmd = &cobra.Command{
		Use:   "sentinel",
		Short: "Resolve a master through sentinel monitors",
		Long: `Ask the sentinel monitors given as endpoints for the current master of --sentinel-master
and print it together with its usable replicas. With --watch the command keeps
running and prints every failover announced by the monitors.

Example:
  dresp --endpoints 10.0.0.1:26379,10.0.0.2:26379 --sentinel-master mymaster sentinel --watch`,
		RunE: run,
	}
)

func init() {
	key := "watch"
	SentinelCmd.Flags().Bool(key, false, util.WrapString("Keep running and print every failover"))
}

func run(cmd *cobra.Command, _ []string) error {
	_ = cmd.Flags().Set("mode", "sentinel")

	c, config, err := util.NewClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	mr, ok := c.(*client.MasterReplica)
	if !ok {
		return fmt.Errorf("sentinel requires sentinel mode, got %s", config.Mode)
	}

	d := mr.Discovery()
	master := d.Master()
	fmt.Printf("master %s at %s (epoch %d)\n", master.Name, master.Addr, master.Epoch)
	fmt.Printf("monitors: %s\n", strings.Join(d.Monitors(), ", "))

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout())
	replicas, err := d.Replicas(ctx)
	cancel()
	if err != nil {
		fmt.Printf("replicas: %v\n", err)
	} else {
		fmt.Printf("replicas (%d):\n", len(replicas))
		for _, r := range replicas {
			fmt.Printf("  %-24s %s\n", r.Addr, strings.Join(r.Flags, ","))
		}
	}

	if watch, _ := cmd.Flags().GetBool("watch"); !watch {
		return nil
	}

	d.OnFailover(func(old, new sentinel.MasterView) {
		fmt.Printf("failover of %s: %s -> %s (epoch %d)\n", new.Name, old.Addr, new.Addr, new.Epoch)
	})

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Println("watching for failovers...")
	<-sigCtx.Done()
	return nil
}
