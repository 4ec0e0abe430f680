package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Strob0t/ForgeSync/internal/client"
	"github.com/Strob0t/ForgeSync/internal/config"
	"github.com/Strob0t/ForgeSync/internal/domain/envelope"
	"github.com/Strob0t/ForgeSync/internal/port/bulk"
	"github.com/Strob0t/ForgeSync/internal/resilience"
)

// runWatch runs the subscriber stack against a live server and prints the
// delta stream as it applies: change lines per envelope, a full summary
// table whenever the view is rebuilt.
func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	server := fs.String("server", "http://localhost:8080", "base URL of the sync engine")
	subscribe := fs.String("subscribe", "", "comma-separated entity ids to narrow the stream")
	projects := fs.String("projects", "", "comma-separated project ids to scope the snapshot")
	user := fs.String("user", "", "owner id to scope the snapshot")
	archived := fs.Bool("archived", false, "include archived work items")
	if err := fs.Parse(args); err != nil {
		return err
	}

	scope := bulk.Scope{UserID: *user, IncludeArchived: *archived}
	if *projects != "" {
		scope.ProjectIDs = strings.Split(*projects, ",")
	}

	source := client.NewBulkClient(*server)
	breakerCfg := config.Defaults().Breaker
	breaker := resilience.NewBreaker(breakerCfg.MaxFailures, breakerCfg.Timeout)
	breaker.OnStateChange(func(from, to resilience.State) {
		slog.Warn("snapshot endpoint circuit changed", "from", from.String(), "to", to.String())
	})
	source.SetBreaker(breaker)

	state := client.NewState()
	rec := client.NewReconciler(state, 0)
	controller := client.NewResyncController(source, state, rec, scope)
	c := client.NewClient(*server, state, rec, controller)
	if *subscribe != "" {
		c.Subscribe = strings.Split(*subscribe, ",")
	}
	c.OnEnvelope = func(env *envelope.Envelope) {
		printEnvelope(os.Stdout, state, env)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopExpiry := rec.StartExpiry(time.Second)
	defer stopExpiry()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-rec.Errors():
				slog.Warn("optimistic update rolled back", "error", err)
			}
		}
	}()

	slog.Info("watching", "server", *server,
		"subscribe", *subscribe, "projects", *projects)
	return c.Run(ctx)
}

func printEnvelope(w io.Writer, state *client.State, env *envelope.Envelope) {
	if env.Type == envelope.TypeSync {
		fmt.Fprintln(w, "view resynchronized")
		printTable(w, state)
		return
	}

	changes, err := env.Changes()
	if err != nil {
		return
	}
	for _, ch := range changes {
		fmt.Fprintf(w, "%s %s seq=%d source=%s\n",
			ch.Action, ch.Key(), ch.Sequence, env.Metadata.Source)
	}
	if cs := env.Payload.Data.Cascade; cs != nil {
		for _, sum := range cs.Summaries() {
			fmt.Fprintf(w, "  summary %s/%s total=%d progress=%.0f%% seq=%d\n",
				sum.EntityType, sum.EntityID, sum.Total, sum.Progress*100, sum.Sequence)
		}
	}
}

func printTable(w io.Writer, state *client.State) {
	entries := state.Entries()
	ids := slices.Sorted(maps.Keys(entries))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tTYPE\tSEQ\tTOTAL\tPROGRESS\tBY_STATUS")
	for _, id := range ids {
		e := entries[id]
		total, progress, byStatus := "-", "-", "-"
		if e.Summary != nil {
			total = fmt.Sprintf("%d", e.Summary.Total)
			progress = fmt.Sprintf("%.0f%%", e.Summary.Progress*100)
			byStatus = formatByStatus(e.Summary.ByStatus)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			id, e.Type, e.Sequence, total, progress, byStatus)
	}
	_ = tw.Flush()
}

func formatByStatus(byStatus map[string]int) string {
	if len(byStatus) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(byStatus))
	for _, k := range slices.Sorted(maps.Keys(byStatus)) {
		parts = append(parts, fmt.Sprintf("%s:%d", k, byStatus[k]))
	}
	return strings.Join(parts, " ")
}
