package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/creastat/convcache"
)

var errNoConversation = errors.New("no active conversation")

func newGetCmd(a *app) *cobra.Command {
	var (
		k       keyFlags
		restart bool
	)
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the active conversation, creating it if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := k.key(a.cache.Scheme())
			if err != nil {
				return err
			}
			conv, err := a.cache.GetOrCreate(cmd.Context(), key, restart)
			if err != nil {
				return err
			}
			printConversation(cmd, conv.ID(), conv.LocationID(), conv.Metadata())
			return nil
		},
	}
	k.register(cmd)
	cmd.Flags().BoolVar(&restart, "restart", false, "Retire the current conversation and start a new one")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's active conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lister, ok := a.store.(convcache.Lister)
			if !ok {
				return fmt.Errorf("list conversations: %w", convcache.ErrUnsupported)
			}
			recs, err := lister.ListActive(cmd.Context(), user)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				printConversation(cmd, rec.ID, rec.LocationID, rec.Metadata)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Owning user")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newRenameCmd(a *app) *cobra.Command {
	var k keyFlags
	cmd := &cobra.Command{
		Use:   "rename NAME",
		Short: "Set the display name of the active conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := k.key(a.cache.Scheme())
			if err != nil {
				return err
			}
			conv, err := a.cache.GetOrCreate(cmd.Context(), key, false)
			if err != nil {
				return err
			}
			if err := conv.UpdateMetadata(cmd.Context(), map[string]any{"name": args[0]}); err != nil {
				return err
			}
			printConversation(cmd, conv.ID(), conv.LocationID(), conv.Metadata())
			return nil
		},
	}
	k.register(cmd)
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	var k keyFlags
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Retire the active conversation; its messages are kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := k.key(a.cache.Scheme())
			if err != nil {
				return err
			}
			conv, err := a.cache.Lookup(cmd.Context(), key)
			if err != nil {
				return err
			}
			if conv == nil {
				return fmt.Errorf("%s: %w", key, errNoConversation)
			}
			if err := conv.Retire(cmd.Context()); err != nil {
				return err
			}
			a.cache.Remove(key)
			fmt.Fprintf(cmd.OutOrStdout(), "retired %s\n", conv.ID())
			return nil
		},
	}
	k.register(cmd)
	return cmd
}

func newAppendCmd(a *app) *cobra.Command {
	var (
		k           keyFlags
		messageType string
	)
	cmd := &cobra.Command{
		Use:   "append CONTENT...",
		Short: "Append a message to the active conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := k.key(a.cache.Scheme())
			if err != nil {
				return err
			}
			conv, err := a.cache.GetOrCreate(cmd.Context(), key, false)
			if err != nil {
				return err
			}
			return conv.AddMessage(cmd.Context(), messageType, strings.Join(args, " "))
		},
	}
	k.register(cmd)
	cmd.Flags().StringVar(&messageType, "type", convcache.TypeResponse, "Message type, e.g. thought or response")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		k           keyFlags
		messageType string
		limit       int
		tokens      int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent messages of one type, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := k.key(a.cache.Scheme())
			if err != nil {
				return err
			}
			conv, err := a.cache.Lookup(cmd.Context(), key)
			if err != nil {
				return err
			}
			if conv == nil {
				return fmt.Errorf("%s: %w", key, errNoConversation)
			}
			msgs, err := conv.Window(cmd.Context(), messageType, tokens, limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", m.Type, m.Content)
			}
			return nil
		},
	}
	k.register(cmd)
	cmd.Flags().StringVar(&messageType, "type", convcache.TypeResponse, "Message type, e.g. thought or response")
	cmd.Flags().IntVar(&limit, "limit", convcache.DefaultMessageLimit, "Maximum number of messages, 0 for all")
	cmd.Flags().IntVar(&tokens, "tokens", 0, "Maximum estimated tokens, 0 for no limit")
	return cmd
}

func printConversation(cmd *cobra.Command, id, locationID string, metadata map[string]any) {
	name, _ := metadata["name"].(string)
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", id, locationID, name)
}
