package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zzzzapi/ProactiveWeChatAI/persona"
)

func newCardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "card",
		Short: "Character card utilities",
	}
	cmd.AddCommand(newCardInspectCmd())
	return cmd
}

func newCardInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <path>",
		Short: "Validate a character card and print its resolved profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			card, err := persona.Load(args[0])
			if err != nil {
				return err
			}
			profile, err := persona.Resolve(card)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "schema: v%d\n", profile.Version)
			_, _ = fmt.Fprintf(out, "name: %s\n", profile.Name)
			_, _ = fmt.Fprintf(out, "system_prompt: %s\n", profile.SystemPrompt)
			if profile.FirstMessage != "" {
				_, _ = fmt.Fprintf(out, "first_mes: %s\n", profile.FirstMessage)
			}
			return nil
		},
	}
}
