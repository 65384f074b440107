package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lei/simple-analytics/pkg/gateway"
)

func init() {
	gatewayCmd.Flags().Bool("with-worker", false, "also run a worker in this process, publishing to the local event bus")
	rootCmd.AddCommand(gatewayCmd)
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve the job API and event streams",
	RunE:  runGateway,
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	withWorker, _ := cmd.Flags().GetBool("with-worker")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gw, err := gateway.New(cfg)
	if err != nil {
		return err
	}

	if !withWorker {
		return gw.Start(ctx)
	}

	w, err := gateway.NewWorker(ctx, cfg, gateway.WithPublisher(gw.Publisher()))
	if err != nil {
		gw.Close()
		return err
	}
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(ctx) }()

	err = gw.Start(ctx)
	cancel()
	if werr := <-workerDone; err == nil {
		err = werr
	}
	return err
}
