/*
Copyright © 2024 John Dudmesh <john@dudmesh.co.uk>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string
var logger *slog.Logger

var baseCmd = &cobra.Command{
	Use:   "propolis-social",
	Short: "A small federated social server",
	Long:  `propolis-social hosts ActivityPub actors and exchanges signed activities with other fediverse servers.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(l *slog.Logger) {
	logger = l // TODO: yuk, don't do this
	err := baseCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	baseCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./propolis-social.yaml)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viper.SetDefault("host", "0.0.0.0")
	viper.SetDefault("port", 9090)
	viper.SetDefault("database_url", "file:propolis-social.db")
	viper.SetDefault("user_agent", "propolis-social/0.1")
	viper.SetDefault("auto_accept_follows", false)
	viper.SetDefault("insecure_skip_verify", false)
	viper.SetDefault("delivery.timeout", 10*time.Second)
	viper.SetDefault("delivery.retry_count", 2)
	viper.SetDefault("delivery.retry_wait", 500*time.Millisecond)
	viper.SetDefault("delivery.retry_max_wait", 5*time.Second)
	viper.SetDefault("delivery.max_concurrent", 8)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("propolis-social")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

type DeliveryConfig struct {
	Timeout       time.Duration
	RetryCount    int           `mapstructure:"retry_count"`
	RetryWait     time.Duration `mapstructure:"retry_wait"`
	RetryMaxWait  time.Duration `mapstructure:"retry_max_wait"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

type Config struct {
	Host               string
	Port               int
	Domain             string
	DatabaseURL        string `mapstructure:"database_url"`
	UserAgent          string `mapstructure:"user_agent"`
	AutoAcceptFollows  bool   `mapstructure:"auto_accept_follows"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	Delivery           DeliveryConfig
}

func loadConfig() (*Config, error) {
	config := &Config{}
	err := viper.Unmarshal(config)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if config.Domain == "" {
		return nil, fmt.Errorf("domain must be configured")
	}
	return config, nil
}
