package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/mailvault/internal/flagx"
	"github.com/dmitrijs2005/mailvault/internal/server/config"
	"github.com/dmitrijs2005/mailvault/internal/vaultctl"
)

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	app := vaultctl.NewApp(cfg, os.Stdin, os.Stdout)

	if err := app.Run(ctx, flagx.Positional(os.Args[1:])); err != nil {
		if !errors.Is(err, vaultctl.ErrUsage) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}

}
