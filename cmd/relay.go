package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/framerelay/internal/config"
	"github.com/smazurov/framerelay/internal/logging"
	"github.com/smazurov/framerelay/internal/relay"
	"github.com/spf13/cobra"
)

// CreateRelayCmd creates the relay command.
func CreateRelayCmd() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay an existing transport stream to the preview destinations",
		Long: `Reads an MPEG transport stream from a file, FIFO or stdin and sends it to every ` +
			`configured preview destination (UDP_HOST, UDP_PORT) without encoding anything. ` +
			`Input is read as fast as it arrives, so feed it a live stream rather than a large file.`,
		Args: cobra.NoArgs,
		Run: humacli.WithOptions(func(_ *cobra.Command, _ []string, opts *config.Options) {
			logger := logging.GetLogger("main")

			preview, err := RelayPreview(opts)
			if err != nil {
				logger.Error("Invalid preview configuration", "error", err)
				os.Exit(2)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := RunRelay(ctx, input, preview, os.Stdin); err != nil {
				logger.Error("Relay failed", "input", input, "error", err)
				stop()
				os.Exit(1)
			}
		}),
	}

	cmd.Flags().StringVarP(&input, "input", "i", "-", "Transport stream to relay: a path, a FIFO or - for stdin")
	return cmd
}

// RelayPreview builds the relay configuration from opts. Destinations are
// parsed even when the pipeline preview is disabled.
func RelayPreview(opts *config.Options) (config.Preview, error) {
	dests, err := config.ParseDestinations(opts.UDPHost, opts.UDPPort)
	if err != nil {
		return config.Preview{}, err
	}
	queue := opts.UDPQueue
	if queue <= 0 {
		queue = config.DefaultQueue
	}
	return config.Preview{Enabled: true, Destinations: dests, Queue: queue}, nil
}

// RunRelay forwards input to the destinations in preview until EOF or ctx
// cancellation. input "-" reads stdin.
func RunRelay(ctx context.Context, input string, preview config.Preview, stdin io.Reader) error {
	var src io.Reader = stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		src = f
	}
	return relay.New(preview, logging.GetLogger("relay")).Run(ctx, src)
}
