package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alexjbarnes/sso-client/internal/watch"
)

// cmdWatch queues every <category>.json file in a directory through the
// debounced sync manager until interrupted. Pending data is flushed when
// the client closes.
func cmdWatch(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: ssoctl watch <dir>")
	}

	if !a.client.IsAuthenticated(ctx) {
		return fmt.Errorf("not signed in, run ssoctl login first")
	}

	w := watch.New(args[0], a.client.QueueSync, a.logger)
	if err := w.LoadAll(); err != nil {
		return err
	}

	a.logger.Info("watching for changes", slog.String("dir", args[0]))
	fmt.Fprintf(os.Stderr, "Watching %s, press Ctrl-C to stop\n", args[0])

	if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
