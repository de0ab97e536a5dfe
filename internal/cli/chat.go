package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/engine"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/stream"
)

var (
	chatThread string
	chatResume bool
)

// chatModel replaces the configured provider in tests.
var chatModel model.Model

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send one message to a thread and print the answer as it streams",
	Example: `  agentloop chat --thread bob "hi im bob and i live in sf"
  agentloop chat --thread bob "what's the weather where I live?"
  agentloop chat --thread bob --resume`,
	Args: func(cmd *cobra.Command, args []string) error {
		if chatResume {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.MinimumNArgs(1)(cmd, args)
	},
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatThread, "thread", "t", "default", "thread id")
	chatCmd.Flags().BoolVar(&chatResume, "resume", false, "resume the thread without a new message")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())

	rt, err := bootstrap(cfg, logger, chatModel)
	if err != nil {
		return err
	}
	defer rt.Close()

	var msg core.Message
	if !chatResume {
		msg = core.UserMessage{Content: strings.Join(args, " ")}
	}

	inv, err := rt.engine.Invoke(cmd.Context(), chatThread, msg, func(o *engine.InvokeOptions) {
		o.Mode = stream.ModeBoth
	})
	if err != nil {
		return err
	}

	cp, err := printTurn(cmd.Context(), cmd.OutOrStdout(), inv)
	if err != nil {
		return err
	}

	logger.Debug("cli.chat.done", "thread_id", chatThread, "step_index", cp.StepIndex, "revision", cp.Revision)

	return nil
}

// printTurn writes model tokens as they arrive and one line per tool result.
func printTurn(ctx context.Context, w io.Writer, inv *engine.Invocation) (core.Checkpoint, error) {
	printed := 0
	streamed := false

	for ev := range inv.Events() {
		switch ev.Kind {
		case core.EventToken:
			streamed = true
			fmt.Fprint(w, ev.Token.Fragment)

		case core.EventValue:
			msgs := ev.Messages()
			for _, m := range msgs[min(printed, len(msgs)):] {
				if res, ok := m.(core.ToolResultMessage); ok {
					if res.IsError() {
						fmt.Fprintf(w, "\n[%s failed: %s]\n", res.Name, res.Failure.Message)
					} else {
						fmt.Fprintf(w, "\n[%s]\n", res.Name)
					}
				}
			}
			printed = len(msgs)

		case core.EventError:
			fmt.Fprintln(w)
		}
	}

	cp, err := inv.Wait(ctx)
	if err == nil && streamed {
		fmt.Fprintln(w)
	}

	return cp, err
}
