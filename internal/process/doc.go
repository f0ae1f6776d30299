// Package process runs short-lived external commands for the bridge.
//
// Commands run in their own process group so that a timeout kills the whole
// tree (for example a shell pipeline), not only the direct child. Output is
// captured and bounded.
//
//	r := process.NewRunner(10 * time.Second)
//	out, err := r.Output(ctx, []string{"/opt/vc/bin/tvservice", "-s"})
package process
