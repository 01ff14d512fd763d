package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jsherman999/occupancyhub/internal/config"
	"github.com/jsherman999/occupancyhub/internal/logging"
	"github.com/jsherman999/occupancyhub/internal/occupancy"
	"github.com/jsherman999/occupancyhub/internal/querycache"
	"github.com/jsherman999/occupancyhub/internal/syncclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func Main() {
	if err := NewRoot().Execute(); err != nil {
		os.Exit(1)
	}
}

func NewRoot() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "occupancy",
		Short: "Occupancy hub CLI",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml)")

	root.AddCommand(watchCmd(&cfgPath))
	root.AddCommand(sendCmd(&cfgPath))
	root.AddCommand(exportCmd(&cfgPath))
	root.AddCommand(buildingCmd(&cfgPath))
	return root
}

func clientSetup(cfgPath string) (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.Sugar(), nil
}

func clientOptions(cfg *config.Config, onStatus func(bool)) syncclient.Options {
	return syncclient.Options{
		ReconnectDelay:    cfg.Client.ReconnectDelay,
		MaxReconnectDelay: cfg.Client.MaxReconnectDelay,
		MaxAttempts:       cfg.Client.MaxAttempts,
		OnStatus:          onStatus,
	}
}

func watchCmd(cfgPath *string) *cobra.Command {
	var buildings []int64

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live occupancy for one or more buildings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := clientSetup(*cfgPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cache := querycache.New(&querycache.APIFetcher{BaseURL: cfg.Client.APIURL, Limit: cfg.Query.RecentLimit})
			r := newRefresher()
			cache.OnInvalidate = r.mark

			out := cmd.OutOrStdout()
			c := syncclient.New(cfg.Client.URL, cache, log, clientOptions(cfg, func(up bool) {
				if up {
					fmt.Fprintln(out, "# live updates connected")
				} else {
					fmt.Fprintln(out, "# live updates disconnected, reconnecting")
				}
			}))
			for _, id := range buildings {
				c.Watch(id)
				r.mark(id)
			}

			go func() {
				if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warnw("watch: sync client stopped", "error", err)
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-r.ready:
				}
				for _, id := range r.take() {
					obs, err := cache.Get(ctx, id)
					if err != nil {
						if ctx.Err() != nil {
							return nil
						}
						fmt.Fprintf(out, "# building %d: %v\n", id, err)
						continue
					}
					printView(out, id, obs)
				}
			}
		},
	}

	cmd.Flags().Int64SliceVar(&buildings, "building", nil, "building id to watch (repeatable)")
	_ = cmd.MarkFlagRequired("building")
	return cmd
}

// refresher coalesces invalidations into a set of buildings to re-read. mark
// never blocks, so it is safe to call from the sync client's read loop.
type refresher struct {
	mu      sync.Mutex
	pending map[int64]struct{}
	ready   chan struct{}
}

func newRefresher() *refresher {
	return &refresher{pending: map[int64]struct{}{}, ready: make(chan struct{}, 1)}
}

func (r *refresher) mark(id int64) {
	r.mu.Lock()
	r.pending[id] = struct{}{}
	r.mu.Unlock()
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

func (r *refresher) take() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	clear(r.pending)
	return ids
}

func printView(w io.Writer, buildingID int64, obs []occupancy.Observation) {
	fmt.Fprintf(w, "building=%d observations=%d\n", buildingID, len(obs))
	for _, o := range obs {
		fmt.Fprintf(w, "  %s zone=%s count=%d\n", o.Timestamp.UTC().Format(time.RFC3339), o.Zone, o.Count)
	}
}

// echoWaiter watches for the hub broadcasting back one specific update.
type echoWaiter struct {
	want occupancy.Envelope
	once sync.Once
	done chan struct{}
}

func newEchoWaiter(want occupancy.Envelope) *echoWaiter {
	return &echoWaiter{want: want, done: make(chan struct{})}
}

func (e *echoWaiter) observe(env occupancy.Envelope) {
	if env != e.want {
		return
	}
	e.once.Do(func() { close(e.done) })
}

// Invalidate is a no-op; send keeps no view to invalidate.
func (e *echoWaiter) Invalidate(int64) {}

func sendCmd(cfgPath *string) *cobra.Command {
	var building int64
	var zone string
	var count int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Submit one occupancy update and wait for the hub to broadcast it",
		RunE: func(cmd *cobra.Command, args []string) error {
			update := occupancy.NewUpdate(building, zone, count)
			if err := update.Validate(); err != nil {
				return err
			}
			cfg, log, err := clientSetup(*cfgPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			connected := make(chan struct{}, 1)
			echo := newEchoWaiter(update)
			opts := clientOptions(cfg, func(up bool) {
				if up {
					select {
					case connected <- struct{}{}:
					default:
					}
				}
			})
			opts.OnUpdate = echo.observe
			c := syncclient.New(cfg.Client.URL, echo, log, opts)
			c.Watch(building)
			go func() { _ = c.Run(ctx) }()

			select {
			case <-connected:
			case <-ctx.Done():
				return fmt.Errorf("connect %s: %w", cfg.Client.URL, ctx.Err())
			}
			if !c.Send(zone, count, building) {
				return errors.New("send failed: not connected")
			}

			// The hub only broadcasts what it stored, so an echo of this exact
			// update confirms persistence.
			select {
			case <-echo.done:
				fmt.Fprintf(cmd.OutOrStdout(), "stored building=%d zone=%s count=%d\n", building, zone, count)
				return nil
			case <-ctx.Done():
				return fmt.Errorf("no broadcast for building %d within %s (unknown building or store failure?)", building, timeout)
			}
		},
	}

	cmd.Flags().Int64Var(&building, "building", 0, "building id")
	cmd.Flags().StringVar(&zone, "zone", "", "zone as <x>-<y>")
	cmd.Flags().IntVar(&count, "count", 0, "occupant count")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the hub")
	_ = cmd.MarkFlagRequired("building")
	_ = cmd.MarkFlagRequired("zone")
	_ = cmd.MarkFlagRequired("count")
	return cmd
}
