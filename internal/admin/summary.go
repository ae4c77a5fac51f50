package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Summary renders a snapshot as a short plain-text report.
func Summary(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "started %s, %s goroutines\n", humanize.RelTime(s.Time.Add(-s.Uptime), s.Time, "ago", "from now"), humanize.Comma(int64(s.Goroutines)))

	if c := s.Clock; c != nil {
		fmt.Fprintf(&b, "tick %s every %s, %d live events (%d pending), last tick %s, %s overruns, %d crashed\n",
			humanize.Comma(int64(c.Tick)), c.Interval, c.Live, c.Pending,
			c.LastTickDur.Round(time.Microsecond), humanize.Comma(int64(c.Overruns)), c.Crashed)
	}
	if h := s.Handler; h != nil {
		fmt.Fprintf(&b, "plugins: %d/%d active; %s submitted, %s finished, %s failed, %s cancelled, %s rejected; %d circuits open\n",
			h.Active, h.MaxActive,
			humanize.Comma(int64(h.Submitted)), humanize.Comma(int64(h.Finished)),
			humanize.Comma(int64(h.Failed)), humanize.Comma(int64(h.Cancelled)),
			humanize.Comma(int64(h.Rejected)), h.CircuitOpen)
	}
	for _, p := range s.Plugins {
		fmt.Fprintf(&b, "  %-12s on %-12s %-10s step %d", p.Script, p.Mob, p.State, p.Steps)
		if p.Walk != "" {
			fmt.Fprintf(&b, " walk %s", p.Walk)
		}
		b.WriteByte('\n')
	}
	if len(s.Spawns) > 0 {
		b.WriteString("spawns:\n")
		for _, sp := range s.Spawns {
			next := "-"
			if !sp.Next.IsZero() {
				next = humanize.RelTime(sp.Next, s.Time, "ago", "from now")
			}
			fmt.Fprintf(&b, "  %-16s %s on %s (%s), next %s, fired %d, skipped %d\n",
				sp.Name, sp.Script, sp.Mob, sp.Spec, next, sp.Fired, sp.Skipped)
		}
	}
	if len(s.Mobs) > 0 {
		fmt.Fprintf(&b, "mobs: %d\n", len(s.Mobs))
	}
	return b.String()
}
