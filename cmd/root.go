package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ValentinKolb/dRESP/cmd/do"
	"github.com/ValentinKolb/dRESP/cmd/mock"
	"github.com/ValentinKolb/dRESP/cmd/perf"
	"github.com/ValentinKolb/dRESP/cmd/sentinel"
	"github.com/ValentinKolb/dRESP/cmd/topology"
	"github.com/ValentinKolb/dRESP/cmd/util"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dresp",
		Short: "RESP client driver",
		Long: fmt.Sprintf(`dRESP (v%s)

A client driver for RESP servers written in Go. It speaks RESP2 and RESP3,
pipelines commands over a single connection per node, routes commands in
cluster deployments and follows failovers announced by sentinel monitors.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dRESP",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dRESP v%s\n", Version)
		},
	}
)

func init() {
	// environment and .env files
	cobra.OnInitialize(util.InitClientConfig)

	// commands that talk to a server share the client flags
	for _, c := range []*cobra.Command{do.DoCmd, perf.PerfCmd, topology.TopologyCmd, sentinel.SentinelCmd} {
		util.SetupClientFlags(c)
		RootCmd.AddCommand(c)
	}

	RootCmd.AddCommand(mock.MockCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
