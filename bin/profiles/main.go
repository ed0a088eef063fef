package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rodaine/table"
	"github.com/spf13/cobra"
	"github.com/thalynlabs/mudscape/profile"
	"github.com/thalynlabs/mudscape/server"
)

func main() {
	dir := server.DefaultConfig().Dir

	withStore := func(f func(*profile.Store) error) error {
		store, err := profile.Open(filepath.Join(dir, "profiles"))
		if err != nil {
			return err
		}
		defer store.Close()
		return f(store)
	}

	root := &cobra.Command{
		Use:           "profiles",
		Short:         "Manage the profile database of a server directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dir, "dir", dir, "Server data directory.")

	root.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Store every profile in a YAML file, keeping saved variables",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			profiles, err := profile.LoadYAML(args[0])
			if err != nil {
				return err
			}
			return withStore(func(store *profile.Store) error {
				if err := store.Import(profiles); err != nil {
					return err
				}
				fmt.Printf("Imported %d profiles\n", len(profiles))
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored profiles",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withStore(func(store *profile.Store) error {
				names, err := store.Names()
				if err != nil {
					return err
				}
				t := table.New("Name", "Server", "Language", "Triggers", "Aliases", "Timers").WithWriter(os.Stdout)
				for _, name := range names {
					p, err := store.Get(name)
					if err != nil {
						return err
					}
					addr := "-"
					if p.Host != "" {
						addr = fmt.Sprintf("%s:%d", p.Host, p.Port)
					}
					t.AddRow(p.Name, addr, p.ScriptLanguage, len(p.Triggers), len(p.Aliases), len(p.Timers))
				}
				t.Print()
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "delete <name>...",
		Short: "Remove stored profiles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withStore(func(store *profile.Store) error {
				for _, name := range args {
					if err := store.Del(name); err != nil {
						return err
					}
				}
				fmt.Printf("Deleted %s\n", strings.Join(args, ", "))
				return nil
			})
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
