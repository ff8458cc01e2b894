// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/antflydb/nnsum/pkg/nnsum/lib/paths"
)

var (
	cfgFile string
	Version string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nnsum",
	Short: "Decode and score with encoder-decoder models",
	Long: `Run greedy, plain or beam-search decoding and cross-entropy scoring
over batches of tokenized examples with an encoder-decoder model.

Examples:
  # Greedy decode with unknown-token copying
  nnsum decode --model-dir ./model --copy-unknown examples.json

  # Beam search, printing the scored candidates as JSON
  nnsum decode --strategy beam --beam-size 4 --scores --format json examples.json

  # Mean token cross-entropy of reference summaries
  nnsum loss --reduction mean examples.json`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file path (e.g. nnsum.yaml)")
	rootCmd.PersistentFlags().
		String("log-level", "info", "set the logging level (e.g. debug, info, warn, error)")
	rootCmd.PersistentFlags().
		String("log-style", "terminal", "set the logging output style (terminal, logfmt, json, noop)")
	rootCmd.PersistentFlags().
		String("model-dir", paths.DefaultModelDir(), "model directory holding model_config.json and the vocabularies")
	rootCmd.PersistentFlags().
		Int("replicas", 1, "number of model replicas to load")
	rootCmd.PersistentFlags().
		Int("workers", 1, "number of input files processed at once")
	rootCmd.PersistentFlags().
		String("format", "", "output format (json, table, cbor); defaults to table on a terminal and json otherwise")

	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))
	mustBindPFlag("model_dir", rootCmd.PersistentFlags().Lookup("model-dir"))
	mustBindPFlag("pool.replicas", rootCmd.PersistentFlags().Lookup("replicas"))
	mustBindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	mustBindPFlag("format", rootCmd.PersistentFlags().Lookup("format"))

	setDefaults(viper.GetViper())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model_dir", paths.DefaultModelDir())
	v.SetDefault("workers", 1)
	v.SetDefault("pool.replicas", 1)
	v.SetDefault("pool.queue.max_concurrent_requests", 0)
	v.SetDefault("pool.queue.max_queue_size", 0)
	v.SetDefault("pool.queue.request_timeout", "0s")
	v.SetDefault("decode.strategy", string(StrategyGreedy))
	v.SetDefault("decode.beam_size", 8)
	v.SetDefault("decode.max_steps", 0)
	v.SetDefault("loss.reduction", "mean")
	v.SetDefault("log.level", "info")
	// Default to JSON logging in Kubernetes for structured log aggregation
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		v.SetDefault("log.style", "json")
	} else {
		v.SetDefault("log.style", "terminal")
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %q to %q: %v", flag.Name, key, err))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Config file not found: %s\n", cfgFile)
			os.Exit(1)
		}
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(paths.DefaultConfigDir())
		viper.AddConfigPath(".")
		viper.SetConfigName("nnsum")
	}

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("NNSUM")                            // NNSUM_ prefix for env vars
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace . with _ in env var names
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config file [%s]: %v\n", viper.ConfigFileUsed(), err)
		os.Exit(1)
	}
}
