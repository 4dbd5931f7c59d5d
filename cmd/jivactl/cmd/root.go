package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/jiva_gateway/internal/cache"
	"github.com/austindbirch/jiva_gateway/internal/config"
	"github.com/austindbirch/jiva_gateway/internal/logging"
	"github.com/austindbirch/jiva_gateway/internal/queue"
)

var (
	cfgFile    string
	redisURL   string
	keyPrefix  string
	dsn        string
	nsqdAddr   string
	serverAddr string
	timeout    time.Duration
	outputJSON bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "jivactl",
	Short: "Jiva gateway CLI - inspect jobs and manage apps",
	Long: `jivactl is an operator tool for the Jiva AI gateway.

You can use it to inspect and retry queued AI jobs, create client apps,
sign webhook payloads for testing, and check service health.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	env := config.FromEnv()

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.jivactl.yaml)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", env.Redis.URL, "Redis URL holding job records")
	rootCmd.PersistentFlags().StringVar(&keyPrefix, "prefix", env.Redis.KeyPrefix, "Redis key prefix")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", env.DSN(), "Postgres connection string")
	rootCmd.PersistentFlags().StringVar(&nsqdAddr, "nsqd", env.NSQ.NsqdTCPAddr, "nsqd TCP address used for retries")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost"+env.GRPCPort, "gateway gRPC address (host:port)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	// Bind flags to viper
	for _, name := range configKeys {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

var configKeys = []string{"redis", "prefix", "dsn", "nsqd", "server", "timeout", "json"}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".jivactl")
	}

	viper.SetEnvPrefix("JIVACTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	flags := rootCmd.PersistentFlags()
	setString := func(name string, dst *string) {
		if !flags.Changed(name) {
			if v := viper.GetString(name); v != "" {
				*dst = v
			}
		}
	}
	setString("redis", &redisURL)
	setString("prefix", &keyPrefix)
	setString("dsn", &dsn)
	setString("nsqd", &nsqdAddr)
	setString("server", &serverAddr)
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
}

// newPublisher opens the broker connection needed to resubmit jobs.
var newPublisher = func(addr string) (queue.Publisher, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	p.SetLogger(cliLogger().StdLogger(logging.LevelWarn, "nsq "), nsq.LogLevelWarning)
	return p, nil
}

func cliLogger() *logging.Logger {
	l := logging.New("jivactl")
	_ = l.SetLevel("warn")
	return l
}

// openRegistry connects to the job store. withPublisher is only needed for
// commands that put jobs back on the queue.
func openRegistry(withPublisher bool) (*queue.Registry, error) {
	rdb, err := cache.NewClient(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	var pub queue.Publisher
	if withPublisher {
		if pub, err = newPublisher(nsqdAddr); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("nsq producer: %w", err)
		}
	}
	logger := cliLogger()
	env := config.FromEnv()
	reg := queue.NewRegistry(rdb, keyPrefix, pub, queue.PolicyFromConfig(env.Queue, env.NSQ), logger)
	reg.RegisterQueue(queue.QueueLLM)
	return reg, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
