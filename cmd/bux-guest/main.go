// Command bux-guest is the PID 1 process inside a bux micro-VM. libkrun
// starts it as the configured exec target; from that point on it owns
// reaping every orphaned process and serving the host over vsock.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/banksean/bux/internal/guestagent"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	agent := guestagent.New(log)
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("guest agent exited", "error", err)
		os.Exit(1)
	}
}
