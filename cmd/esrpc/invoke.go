package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"eventstream-rpc/client"
	"eventstream-rpc/message"
)

func invokeCmd(configPath *string) *cobra.Command {
	var (
		addr    string
		service string
		stream  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "invoke <operation> [payload]",
		Short: "Call an operation and print what the server sends back",
		Long: `Call an operation with an optional payload and print the response and any
further messages the server streams on the call.

With --stream, each line read from stdin is sent as a continuation message
and the call is closed at end of input.

Examples:
  esrpc invoke Add '{"a":1,"b":2}'
  esrpc invoke Echo --stream < lines.txt
  esrpc invoke Time --service esrpc`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}
			c, err := dialFromConfig(cmd.Context(), cfg, log, service, addr)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runInvoke(ctx, c, args[0], payload, stream, os.Stdin, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (overrides client.addr)")
	cmd.Flags().StringVar(&service, "service", "", "discover the server through the configured registry")
	cmd.Flags().BoolVar(&stream, "stream", false, "send stdin lines as continuation messages")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall call timeout")
	return cmd
}

func runInvoke(ctx context.Context, c *client.Client, op string, payload []byte, stream bool, in io.Reader, out io.Writer) error {
	var opts []client.CallOption
	if !stream {
		opts = append(opts, client.Terminal())
	}
	cont, err := c.Invoke(op, nil, payload, opts...)
	if err != nil {
		return err
	}
	defer cont.Cancel()

	if stream {
		go func() {
			sc := bufio.NewScanner(in)
			for sc.Scan() {
				if err := cont.Send(nil, append([]byte(nil), sc.Bytes()...)); err != nil {
					return
				}
			}
			cont.Close()
		}()
	}

	m, err := cont.Response(ctx)
	if err != nil {
		return err
	}
	printMessage(out, m)
	for {
		select {
		case m, ok := <-cont.Messages():
			if !ok {
				return cont.Err()
			}
			printMessage(out, m)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printMessage(w io.Writer, m *message.Message) {
	if m.ContentType == "" || m.ContentType == message.ContentTypeJSON {
		fmt.Fprintf(w, "%s\n", m.Payload)
		return
	}
	fmt.Fprintf(w, "[%s, %d bytes] %x\n", m.ContentType, len(m.Payload), m.Payload)
}
