package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/creastat/convcache"
	"github.com/creastat/convcache/backend"
	"github.com/creastat/convcache/config"
)

// app carries the state shared by every subcommand of one invocation.
type app struct {
	envFile  string
	settings *viper.Viper

	cache *convcache.Cache
	store convcache.Store
}

// run executes convctl with args and releases the store afterwards,
// whether or not the command succeeded.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{settings: viper.New()}
	config.Bind(a.settings)
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "convctl",
		Short:         "Inspect and edit cached conversations",
		SilenceUsage:  true,
		SilenceErrors: false,
		Long: `convctl resolves conversations through the conversation cache and its
configured store. Settings come from the environment, optionally seeded
from a .env file, and can be overridden with flags.

Examples:
  convctl get --location general --user alice
  convctl append --location general --user alice --type thought "checking the docs"
  convctl history --location general --user alice --type response --limit 5
  convctl get --location general --user alice --restart`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.envFile, "env-file", "", "Load settings from this .env file instead of ./.env")
	flags.String("backend", config.BackendMemory, "Store backend: memory, redis, postgres, sqlite, supabase, badger (env CONVCACHE_BACKEND)")
	flags.String("database-url", "", "PostgreSQL connection string or SQLite path (env DATABASE_URL)")
	flags.Int("capacity", config.DefaultCapacity, "Number of conversations kept in memory (env CACHE_CAPACITY)")

	// Bind flags to viper
	_ = a.settings.BindPFlag(config.KeyBackend, flags.Lookup("backend"))
	_ = a.settings.BindPFlag(config.KeyDatabaseURL, flags.Lookup("database-url"))
	_ = a.settings.BindPFlag(config.KeyCacheCapacity, flags.Lookup("capacity"))

	root.AddCommand(
		newGetCmd(a),
		newListCmd(a),
		newRenameCmd(a),
		newDeleteCmd(a),
		newAppendCmd(a),
		newHistoryCmd(a),
	)
	return root
}

func (a *app) open(cmd *cobra.Command) error {
	var files []string
	if a.envFile != "" {
		files = append(files, a.envFile)
	}
	if err := config.LoadEnvFiles(files...); err != nil {
		return err
	}
	cfg, err := config.FromViper(a.settings)
	if err != nil {
		return err
	}

	cache, store, err := backend.NewCache(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Backend, err)
	}
	a.cache = cache
	a.store = store
	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	if err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// keyFlags binds the flags that address one conversation.
type keyFlags struct {
	location     string
	user         string
	conversation string
}

func (k *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&k.location, "location", "", "Chat surface the conversation belongs to")
	cmd.Flags().StringVar(&k.user, "user", "", "Owning user")
	cmd.Flags().StringVar(&k.conversation, "conversation", "", "Conversation id (conversation key scheme only)")
	_ = cmd.MarkFlagRequired("user")
}

func (k *keyFlags) key(scheme convcache.KeyScheme) (convcache.Key, error) {
	if scheme == convcache.SchemeConversation {
		if k.conversation == "" {
			return convcache.Key{}, errors.New("--conversation is required with the conversation key scheme")
		}
		return convcache.ConversationKey(k.user, k.conversation), nil
	}
	if k.location == "" {
		return convcache.Key{}, errors.New("--location is required")
	}
	return convcache.LocationKey(k.location, k.user), nil
}
