// Command rfbrelay pairs VNC servers with VNC viewers by repeater ID and
// relays bytes between them.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matst80/rfbrelay/internal/obs"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := defaultConfig()
	cmd := &cobra.Command{
		Use:           "rfbrelay",
		Short:         "VNC repeater pairing servers and viewers by ID",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	bindFlags(cmd.Flags(), &cfg)
	return cmd
}

func run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		obs.Error("config.invalid", obs.Fields{"err": err.Error()})
		return err
	}
	obs.EnableDebug(cfg.Debug)
	obs.Info("relay.config", obs.Fields{
		"producer": cfg.ProducerAddr,
		"consumer": cfg.ConsumerAddr,
		"metrics":  cfg.MetricsAddr,
		"redis":    cfg.RedisAddr != "",
	})

	app := fx.New(appOptions(cfg)...)
	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		obs.Error("relay.start", obs.Fields{"err": err.Error()})
		return err
	}

	sig := <-app.Done()
	obs.Info("relay.shutdown.signal", obs.Fields{"signal": sig.String()})
	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		obs.Error("relay.shutdown", obs.Fields{"err": err.Error()})
		return err
	}
	obs.Info("relay.shutdown.complete", obs.Fields{})
	return nil
}
