package notify

import (
	"context"
	"fmt"
	"io"
)

// LogNotifier writes receipts to an io.Writer instead of delivering them.
// Used by dry runs and as the default when no transport is configured.
type LogNotifier struct {
	W io.Writer
}

// Name implements Notifier.
func (n *LogNotifier) Name() string { return "log" }

// Send implements Notifier. Always succeeds.
func (n *LogNotifier) Send(_ context.Context, msg Message) Result {
	fmt.Fprintf(n.W, "--- receipt %s -> %s ---\nSubject: %s\n%s\n", msg.DispatchID, msg.Target, msg.Subject, msg.Content)
	return Result{Outcome: OutcomeSuccess}
}
