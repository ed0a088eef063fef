package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thalynlabs/mudscape"
	"github.com/thalynlabs/mudscape/server"
)

func main() {
	config := server.DefaultConfig()
	var configFile string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve MUD client sessions over SSH and the relay over websockets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				// Flags given on the command line win over the file.
				changed := map[string]string{}
				cmd.Flags().Visit(func(f *pflag.Flag) {
					changed[f.Name] = f.Value.String()
				})
				if err := server.LoadConfig(configFile, &config); err != nil {
					return err
				}
				for name, value := range changed {
					if err := cmd.Flags().Set(name, value); err != nil {
						return err
					}
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, config)
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				log.Printf("Shutting down")
				srv.Close()
			}()
			return srv.Start()
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "YAML configuration file.")
	flags.StringVar(&config.SSHAddr, "ssh", config.SSHAddr, "Where to listen to SSH connections.")
	flags.StringVar(&config.HTTPAddr, "http", config.HTTPAddr, "Where to serve websockets, health and metrics.")
	flags.StringVar(&config.Dir, "dir", config.Dir, "Where to save the host key, profiles and session logs.")
	flags.StringVar(&config.Password, "password", config.Password, "Password required from SSH users.")
	flags.StringVar(&config.LogFile, "log-file", config.LogFile, "Rotated server log; stderr if empty.")
	flags.StringVar(&config.ProfilesFile, "profiles", config.ProfilesFile, "YAML profiles imported at start and on change.")
	flags.IntVar(&config.Relay.MaxPerSource, "max-per-source", config.Relay.MaxPerSource, "Concurrent connections allowed per source address.")
	flags.BoolVar(&config.Relay.AllowPrivate, "allow-private", config.Relay.AllowPrivate, "Allow connecting to private and loopback addresses.")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if trace := mudscape.StackTrace(err); trace != "" {
			fmt.Fprintln(os.Stderr, trace)
		}
		os.Exit(1)
	}
}
