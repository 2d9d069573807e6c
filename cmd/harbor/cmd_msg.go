package main

import (
	"encoding/json"
	"fmt"
	"time"

	"harbor/pkg/msgbus"
	"harbor/pkg/protocol"

	"github.com/spf13/cobra"
)

// newMsgCmd creates the "harbor msg" command group.
func newMsgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "msg",
		Short: "Send and receive agent messages",
	}
	cmd.AddCommand(
		newMsgSendCmd(),
		newMsgBroadcastCmd(),
		newMsgRecvCmd(),
		newMsgPendingCmd(),
	)
	return cmd
}

// msgPayload wraps free-text CLI messages so payloads stay valid JSON.
type msgPayload struct {
	Text string `json:"text"`
}

func newMsgSendCmd() *cobra.Command {
	var priority int
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "send <from-agent> <to-agent> <text>",
		Short: "Send a direct message to one agent",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			msg, err := e.bus.Send(cmd.Context(), args[0], args[1], msgPayload{Text: args[2]}, msgbus.SendOpts{
				Priority: priority,
				TTL:      ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
			return nil
		},
	}

	cmd.Flags().IntVar(&priority, "priority", 0, "message priority 1-10 (default 5)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "message expiry, e.g. 30m (default none)")
	return cmd
}

func newMsgBroadcastCmd() *cobra.Command {
	var channelName string
	var priority int
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "broadcast <from-agent> <text>",
		Short: "Broadcast a message on a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, err := protocol.ParseChannel(channelName)
			if err != nil {
				return err
			}

			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			msg, err := e.bus.Broadcast(cmd.Context(), args[0], channel, msgPayload{Text: args[1]}, msgbus.SendOpts{
				Priority: priority,
				TTL:      ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&channelName, "channel", string(protocol.ChannelBroadcast), "coordination|review|benchmark|broadcast")
	cmd.Flags().IntVar(&priority, "priority", 0, "message priority 1-10 (default 5)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "message expiry, e.g. 30m (default none)")
	return cmd
}

func newMsgRecvCmd() *cobra.Command {
	var channelName string
	var peek bool
	var limit int

	cmd := &cobra.Command{
		Use:   "recv <agent-id>",
		Short: "Receive pending messages, priority first",
		Long:  "Prints pending messages for the agent as JSON lines, highest\npriority first, FIFO within a priority. Messages are marked read\nunless --peek is given.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var channel protocol.Channel
			if channelName != "" {
				c, err := protocol.ParseChannel(channelName)
				if err != nil {
					return err
				}
				channel = c
			}

			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			msgs, err := e.bus.Receive(cmd.Context(), args[0], msgbus.ReceiveOpts{
				Channel:  channel,
				MarkRead: !peek,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, m := range msgs {
				if err := enc.Encode(m); err != nil {
					return fmt.Errorf("encode message %s: %w", m.ID, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&channelName, "channel", "", "only messages on this channel")
	cmd.Flags().BoolVar(&peek, "peek", false, "read without marking messages consumed")
	cmd.Flags().IntVar(&limit, "limit", 0, "max messages to return (default all)")
	return cmd
}

func newMsgPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending <agent-id>",
		Short: "Count unread messages for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.bus.PendingCount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}
