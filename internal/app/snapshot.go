package app

import (
	"context"
	"encoding/json"
	"io"
	"os"
)

// Snapshot fetches every market source once and prints the result as JSON.
func (a *App) Snapshot(ctx context.Context) error {
	rt, err := a.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	return a.writeSnapshot(ctx, os.Stdout, rt)
}

func (a *App) writeSnapshot(ctx context.Context, out io.Writer, rt *runtime) error {
	fetchCtx := ctx
	if timeout := a.Config.Scheduler.FetchTimeout; timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	snap := rt.provider.Snapshot(fetchCtx)
	if len(snap.Failures) > 0 {
		a.Logger.Warn().Strs("failures", snap.Failures).Msg("some market sources failed")
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
