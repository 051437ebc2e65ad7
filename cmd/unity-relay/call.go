package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bigdra50/unity-relay/pkg/client"
	"github.com/bigdra50/unity-relay/pkg/config"
	"github.com/bigdra50/unity-relay/pkg/logging"
)

// clientFlags is the flag set shared by the client-side subcommands.
type clientFlags struct {
	host     string
	port     int
	instance string
	timeout  int
	debug    bool
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.host, "host", config.DefaultHost, "relay host")
	cmd.Flags().IntVar(&f.port, "port", config.DefaultPort, "relay port")
	cmd.Flags().StringVar(&f.instance, "instance", "", "target instance id (default: relay's default instance)")
	cmd.Flags().IntVar(&f.timeout, "timeout-ms", config.DefaultCommandTimeoutMS, "command timeout in milliseconds")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "enable debug logging")
}

func (f *clientFlags) newClient() *client.Client {
	level := logging.LevelWarn
	if f.debug {
		level = logging.LevelDebug
	}
	return client.New(client.Options{
		Host:      f.host,
		Port:      f.port,
		Instance:  f.instance,
		TimeoutMS: f.timeout,
		Logger:    logging.NewLogger(os.Stderr, level),
	})
}

func newCallCmd() *cobra.Command {
	var flags clientFlags
	var paramsJSON string

	cmd := &cobra.Command{
		Use:   "call <command>",
		Short: "Invoke a command on an editor instance",
		Long: "Sends one command through the relay and prints the reply payload as JSON. " +
			"Transient errors are retried with backoff; only the terminal outcome surfaces.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if paramsJSON != "" {
				if !json.Valid([]byte(paramsJSON)) {
					return fmt.Errorf("--params is not valid JSON")
				}
				params = json.RawMessage(paramsJSON)
			}

			c := flags.newClient()
			defer c.Close()

			data, err := c.Call(cmd.Context(), args[0], params, nil)
			if err != nil {
				return err
			}
			if len(data) == 0 {
				data = json.RawMessage("{}")
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&paramsJSON, "params", "p", "", "command parameters as a JSON object")
	return cmd
}
