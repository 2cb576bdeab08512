// Command rpcz serves and calls services over the rpcz runtime.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"rpcz/config"
)

var rootArgs struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:          "rpcz",
	Short:        "RPC over message queues",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "", "config file path")
	addSubcommand(rootCmd, serveCmd)
	addSubcommand(rootCmd, callCmd)
	addSubcommand(rootCmd, configcheckCmd)
}

type Subcommand struct {
	Use        string
	Short      string
	Example    string
	Args       cobra.PositionalArgs
	Run        func(s *Subcommand, args []string) error
	SetupFlags func(f *pflag.FlagSet)

	config *config.Config
}

func (s *Subcommand) Config() *config.Config {
	if s.config == nil {
		panic("subcommand is running without a parsed config")
	}
	return s.config
}

func (s *Subcommand) run(cmd *cobra.Command, args []string) error {
	conf, err := config.ParseConfig(rootArgs.configPath)
	if err != nil {
		return errors.Wrap(err, "could not parse config")
	}
	s.config = conf
	return s.Run(s, args)
}

func addSubcommand(c *cobra.Command, s *Subcommand) {
	cmd := &cobra.Command{
		Use:     s.Use,
		Short:   s.Short,
		Example: s.Example,
		Args:    s.Args,
		RunE:    s.run,
	}
	if s.SetupFlags != nil {
		s.SetupFlags(cmd.Flags())
	}
	c.AddCommand(cmd)
}

var configcheckCmd = &Subcommand{
	Use:   "configcheck",
	Short: "check the config file and print the effective values",
	Args:  cobra.NoArgs,
	Run: func(s *Subcommand, args []string) error {
		conf := s.Config()
		fmt.Printf("transport: %s\nreactor: %+v\nbackoff: %+v\nserver: %+v\nclient: %+v\n",
			conf.Transport.Kind, *conf.Reactor, *conf.Reactor.Backoff, *conf.Server, *conf.Client)
		if conf.Registry != nil {
			fmt.Printf("registry: %+v\n", *conf.Registry)
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
