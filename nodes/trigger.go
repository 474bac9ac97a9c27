package nodes

import "context"

// runTrigger surfaces the trigger payload as the entry node's output. Both
// trigger types behave identically at run time; they differ only in which
// delivery surface enqueues the execution.
func runTrigger(_ context.Context, _ ResolvedConfig, view StateView) (map[string]any, error) {
	trig := view.Trigger()
	out := map[string]any{"text": trig.Text}
	if trig.Payload != nil {
		out["payload"] = trig.Payload
	}
	return out, nil
}
