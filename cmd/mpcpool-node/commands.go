package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TNO-MPC/communication/pkg/pool"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve until interrupted, logging every received message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, p, closeFn, err := a.start(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			addr, _ := p.Addr()
			a.logger.Info("node is running; press Ctrl+C to exit", zap.Stringer("addr", addr))

			for _, name := range p.PeerNames() {
				go func() {
					for {
						v, err := p.Receive(ctx, name)
						if err != nil {
							return
						}
						a.logger.Info("message", zap.String("peer", name), zap.String("value", formatValue(v)))
					}
				}()
			}
			<-ctx.Done()
			return nil
		},
	}
}

func newSendCommand(a *app) *cobra.Command {
	var peer, id, value, kind string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one value to a peer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := parseValue(value, kind)
			if err != nil {
				return err
			}
			ctx, p, closeFn, err := a.start(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			var opts []pool.MessageOption
			if id != "" {
				opts = append(opts, pool.MessageID(id))
			}
			used, err := p.Send(ctx, peer, v, opts...)
			if err != nil {
				return fmt.Errorf("send to %s: %w", peer, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", used, peer)
			return nil
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "Destination peer name (required)")
	cmd.Flags().StringVar(&id, "id", "", "Message id; the peer's counter when empty")
	cmd.Flags().StringVar(&value, "value", "", "Value to send")
	cmd.Flags().StringVar(&kind, "type", "auto", "How to read --value: auto, string, int, bigint, bytes (hex)")
	if err := cmd.MarkFlagRequired("peer"); err != nil {
		panic(fmt.Sprintf("Failed to mark peer as required: %v", err))
	}
	return cmd
}

func newRecvCommand(a *app) *cobra.Command {
	var peer, id string
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Wait for one value from a peer and print it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, p, closeFn, err := a.start(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			var opts []pool.MessageOption
			if id != "" {
				opts = append(opts, pool.MessageID(id))
			}
			v, err := p.Receive(ctx, peer, opts...)
			if err != nil {
				return fmt.Errorf("receive from %s: %w", peer, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatValue(v))
			return nil
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "Source peer name (required)")
	cmd.Flags().StringVar(&id, "id", "", "Message id; the next unread message when empty")
	if err := cmd.MarkFlagRequired("peer"); err != nil {
		panic(fmt.Sprintf("Failed to mark peer as required: %v", err))
	}
	return cmd
}
