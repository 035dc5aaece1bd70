package do

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ValentinKolb/dRESP/cmd/util"
	"github.com/ValentinKolb/dRESP/rpc/common"
)

var (
	// DoCmd executes a single command
	DoCmd = &cobra.Command{
		Use:   "do [command] [args...]",
		Short: "Execute a command and print the reply",
		Long: `Execute a single command through the configured client and print the reply.
In cluster mode the command is routed by its keys, in sentinel mode writes go to the
current master and reads follow the read-from policy.

Example:
  dresp do SET user:1 alice
  dresp --mode cluster --endpoints 10.0.0.1:7000 do GET user:1`,
		Args: cobra.MinimumNArgs(1),
		RunE: run,
	}
)

func init() {
	key := "repeat"
	DoCmd.Flags().Int(key, 1, util.WrapString("How often the command is executed, the reply of every execution is printed"))
}

func run(cmd *cobra.Command, args []string) error {
	c, config, err := util.NewClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	repeat, _ := cmd.Flags().GetInt("repeat")
	for i := 0; i < repeat; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout()+time.Second)
		start := time.Now()
		r, err := c.Do(ctx, args[0], args[1:]...)
		cancel()

		var se *common.ServerError
		if err != nil && !errors.As(err, &se) {
			return err
		}
		fmt.Println(r.String())
		if repeat > 1 {
			fmt.Printf("(%s)\n", time.Since(start))
		}
	}
	return nil
}
