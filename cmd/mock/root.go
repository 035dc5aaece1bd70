package mock

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/ValentinKolb/dRESP/cmd/util"
	"github.com/ValentinKolb/dRESP/rpc/common"
	"github.com/ValentinKolb/dRESP/rpc/testutil"
)

var (
	// MockCmd starts in-memory mock nodes
	MockCmd = &cobra.Command{
		Use:   "mock",
		Short: "Start in-memory mock nodes",
		Long: `Start in-memory mock RESP nodes for local testing. Without further flags a single
standalone node is started. --primaries starts a mock cluster, --sentinel starts a
primary with --replicas replicas behind a mock sentinel monitor.
The nodes run until the command is interrupted.`,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return viper.BindPFlags(cmd.Flags()) },
		RunE:    run,
	}
)

func init() {
	key := "addr"
	MockCmd.Flags().String(key, "127.0.0.1:6379", cmdUtil.WrapString("Listen address of the standalone node (cluster and sentinel nodes use random local ports)"))
	key = "primaries"
	MockCmd.Flags().Int(key, 0, cmdUtil.WrapString("Number of cluster primaries, 0 starts no cluster"))
	key = "replicas"
	MockCmd.Flags().Int(key, 0, cmdUtil.WrapString("Number of replicas per primary"))
	key = "sentinel"
	MockCmd.Flags().String(key, "", cmdUtil.WrapString("Name of a master set to serve through a mock sentinel"))
	key = "password"
	MockCmd.Flags().String(key, "", cmdUtil.WrapString("Password the nodes require (AUTH / HELLO)"))
	key = "resp3"
	MockCmd.Flags().Bool(key, false, cmdUtil.WrapString("Accept HELLO 3"))
	key = "log-level"
	MockCmd.Flags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

func run(_ *cobra.Command, _ []string) error {
	common.InitLoggers(viper.GetString("log-level"))

	var opts []testutil.NodeOption
	if pw := viper.GetString("password"); pw != "" {
		opts = append(opts, testutil.WithPassword(pw))
	}
	if viper.GetBool("resp3") {
		opts = append(opts, testutil.WithRESP3())
	}

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	primaries := viper.GetInt("primaries")
	replicas := viper.GetInt("replicas")
	switch master := viper.GetString("sentinel"); {
	case primaries > 0:
		c, err := testutil.NewCluster(primaries, replicas, opts...)
		if err != nil {
			return err
		}
		closers = append(closers, c.Close)
		for i := 0; i < primaries; i++ {
			fmt.Printf("primary %d: %s\n", i, c.Primary(i).Addr())
			for _, r := range c.Replicas(i) {
				fmt.Printf("  replica: %s\n", r.Addr())
			}
		}

	case master != "":
		nodes, err := startNodes(1+replicas, opts, &closers)
		if err != nil {
			return err
		}
		s, err := testutil.NewSentinel()
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = s.Close() })

		addrs := make([]string, len(nodes))
		for i, n := range nodes {
			addrs[i] = n.Addr()
		}
		s.Monitor(master, addrs[0], addrs[1:]...)
		fmt.Printf("sentinel: %s (master %s)\n", s.Addr(), master)
		fmt.Printf("primary: %s\n", addrs[0])
		for _, a := range addrs[1:] {
			fmt.Printf("  replica: %s\n", a)
		}

	default:
		n, err := testutil.NewNode(append(opts, testutil.WithAddr(viper.GetString("addr")))...)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = n.Close() })
		fmt.Printf("node: %s\n", n.Addr())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Println("shutting down")
	return nil
}

func startNodes(count int, opts []testutil.NodeOption, closers *[]func()) ([]*testutil.Node, error) {
	nodes := make([]*testutil.Node, 0, count)
	for i := 0; i < count; i++ {
		n, err := testutil.NewNode(opts...)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { _ = n.Close() })
		nodes = append(nodes, n)
	}
	return nodes, nil
}
