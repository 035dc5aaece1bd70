package perf

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ValentinKolb/dRESP/cmd/util"
	"github.com/ValentinKolb/dRESP/rpc/client"
	"github.com/ValentinKolb/dRESP/rpc/common"
	"github.com/ValentinKolb/dRESP/rpc/conn"
)

var (
	// PerfCmd benchmarks a server through the configured client
	PerfCmd = &cobra.Command{
		Use:   "perf",
		Short: "Performance testing tool for RESP servers",
		Long: `Benchmark a RESP server (or cluster) through the configured client.
Every benchmark runs in parallel on the given number of threads, the pipeline
benchmark dispatches batches of commands before waiting for their replies.`,
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__perf"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfPipelineDepth    = 16
	perfSkip             = make([]string, 0)
)

// benchmark is one named workload, op is called with a key and the loop counter
type benchmark struct {
	name    string
	prepare bool
	op      func(ctx context.Context, c client.IClient, key string, counter int) error
}

func init() {
	key := "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	PerfCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	PerfCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "pipeline"
	PerfCmd.Flags().Int(key, 16, util.WrapString("How many commands the pipeline benchmark dispatches before waiting"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfPipelineDepth = max(viper.GetInt("pipeline"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	c, config, err := util.NewClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Println("Performance testing tool for RESP servers")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	largeValue := strings.Repeat("x", perfLargeValueSizeKB*1024)
	benchmarks := []benchmark{
		{name: "set", op: func(ctx context.Context, c client.IClient, key string, _ int) error {
			_, err := c.Do(ctx, "SET", key, "test")
			return err
		}},
		{name: "set-large", op: func(ctx context.Context, c client.IClient, key string, _ int) error {
			_, err := c.Do(ctx, "SET", key, largeValue)
			return err
		}},
		{name: "get", prepare: true, op: func(ctx context.Context, c client.IClient, key string, _ int) error {
			_, err := c.Do(ctx, "GET", key)
			return err
		}},
		{name: "del", prepare: true, op: func(ctx context.Context, c client.IClient, key string, _ int) error {
			_, err := c.Do(ctx, "DEL", key)
			return err
		}},
		{name: "exists", prepare: true, op: func(ctx context.Context, c client.IClient, key string, _ int) error {
			_, err := c.Do(ctx, "EXISTS", key)
			return err
		}},
		{name: "exists-not", op: func(ctx context.Context, c client.IClient, _ string, counter int) error {
			_, err := c.Do(ctx, "EXISTS", fmt.Sprintf("%s-exists-not-%d", perfKeyPrefix, counter%perfKeySpread))
			return err
		}},
		{name: "pipeline", prepare: true, op: func(ctx context.Context, c client.IClient, key string, counter int) error {
			return pipeline(ctx, c, key, counter)
		}},
		{name: "mixed", prepare: true, op: func(ctx context.Context, c client.IClient, key string, counter int) error {
			var err error
			switch counter % 4 {
			case 0:
				_, err = c.Do(ctx, "SET", key, "test")
			case 1:
				_, err = c.Do(ctx, "GET", key)
			case 2:
				_, err = c.Do(ctx, "DEL", key)
			case 3:
				_, err = c.Do(ctx, "EXISTS", key)
			}
			return err
		}},
	}

	results := make(map[string]testing.BenchmarkResult)
	for _, bm := range benchmarks {
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(bm.name) {
				return
			}
			runBenchmark(b, c, config, bm)
		})
		results[bm.name] = result
		printResult(bm.name, result)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, config); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

func runBenchmark(b *testing.B, c client.IClient, config *common.ClientConfig, bm benchmark) {
	getKey, iter := getKeys(bm.name)
	timeout := config.Timeout() + time.Second

	do := func(name string, args ...string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := c.Do(ctx, name, args...); err != nil {
			log.Printf("(%s) - error executing %s: %v\n", bm.name, name, err)
		}
	}

	if bm.prepare {
		iter(func(k string) { do("SET", k, "test") })
	}

	b.Cleanup(func() {
		iter(func(k string) { do("DEL", k) })
	})

	b.SetParallelism(perfNumThreads)

	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := bm.op(ctx, c, getKey(counter), counter)
			cancel()
			if err != nil {
				log.Printf("(%s) - error performing operation: %v\n", bm.name, err)
			}
			counter++
		}
	})
}

// pipeline dispatches perfPipelineDepth alternating GET/SET commands and
// waits for all replies
func pipeline(ctx context.Context, c client.IClient, key string, counter int) error {
	futures := make([]*conn.Future, 0, perfPipelineDepth)
	for i := 0; i < perfPipelineDepth; i++ {
		cmd := conn.NewStringCommand("GET", key)
		if (counter+i)%2 == 0 {
			cmd = conn.NewStringCommand("SET", key, "test")
		}
		f, err := c.Dispatch(ctx, cmd)
		if err != nil {
			return err
		}
		futures = append(futures, f)
	}
	for _, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}

	getKey := func(i int) string {
		return keys[i%perfKeySpread]
	}

	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Mode", "Endpoints", "TimeoutSec", "Protocol", "QueueSize", "ReadFrom",
		"Threads", "LargeValueSizeKB", "Keys Count", "PipelineDepth",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		skipped := "true"

		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			string(config.Mode),
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Protocol),
			strconv.Itoa(config.QueueSize),
			config.ReadFrom,
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
			strconv.Itoa(perfPipelineDepth),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
