// Install/activate state machine of the interception layer, and its control messages
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/iTrooz/offline-proxy/internal/bus"
	"github.com/iTrooz/offline-proxy/internal/cache/httpcache"
	"github.com/sirupsen/logrus"
)

type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
)

var ErrUnknownMessage = errors.New("unknown message type")

// Reconciler is the periodic background synchronisation hook
type Reconciler interface {
	Reconcile(ctx context.Context, tag string) error
}

// NopReconciler does nothing
type NopReconciler struct{}

func (NopReconciler) Reconcile(context.Context, string) error { return nil }

type Options struct {
	Manager *httpcache.Manager
	Bus     bus.Bus
	// Transport fetches launch assets during install. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// Origin resolves relative launch asset paths
	Origin       string
	LaunchAssets []string
	Reconciler   Reconciler
}

// Worker drives installing -> waiting -> activating -> active
type Worker struct {
	manager    *httpcache.Manager
	bus        bus.Bus
	transport  http.RoundTripper
	origin     string
	assets     []string
	reconciler Reconciler

	mu    sync.RWMutex
	state State

	skip     chan struct{}
	skipOnce sync.Once
}

func NewWorker(opts Options) *Worker {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	reconciler := opts.Reconciler
	if reconciler == nil {
		reconciler = NopReconciler{}
	}
	return &Worker{
		manager:    opts.Manager,
		bus:        opts.Bus,
		transport:  transport,
		origin:     opts.Origin,
		assets:     opts.LaunchAssets,
		reconciler: reconciler,
		state:      StateInstalling,
		skip:       make(chan struct{}),
	}
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Active reports whether the worker controls clients
func (w *Worker) Active() bool {
	return w.State() == StateActive
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	logrus.Infof("Lifecycle state: %s", s)
}

// SkipWaiting releases the wait between install and activation. Safe to call any number of times.
func (w *Worker) SkipWaiting() {
	w.skipOnce.Do(func() { close(w.skip) })
}

// Install precaches the launch assets into the static partition.
// Failed assets are logged and returned joined; they never prevent activation.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	defer w.SkipWaiting()

	if w.manager == nil {
		return nil
	}
	p, err := w.manager.Open(httpcache.RoleStatic)
	if err != nil {
		logrus.Errorf("Failed to open static partition, skipping precache: %v", err)
		return err
	}

	var errs []error
	for _, asset := range w.assets {
		if err := w.precache(ctx, p, asset); err != nil {
			logrus.Warnf("Failed to precache %s: %v", asset, err)
			errs = append(errs, err)
		}
	}
	logrus.Infof("Precached %d/%d launch assets", len(w.assets)-len(errs), len(w.assets))
	return errors.Join(errs...)
}

func (w *Worker) precache(ctx context.Context, p *httpcache.Partition, asset string) error {
	target, err := w.resolve(asset)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}

	resp, err := w.transport.RoundTrip(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", target, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if _, err := p.Put(req, resp); err != nil {
		return fmt.Errorf("storing %s: %w", target, err)
	}
	return nil
}

func (w *Worker) resolve(asset string) (string, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return asset, nil
	}
	base, err := url.Parse(w.origin)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// Activate purges every partition of other versions, then takes control
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)

	var err error
	if w.manager != nil {
		if _, err = w.manager.PurgeStale(w.manager.CurrentNames()); err != nil {
			logrus.Errorf("Stale partition purge incomplete: %v", err)
		}
	}

	w.setState(StateActive)
	return err
}

// Run installs, waits for the skip signal, and activates. It returns early only when ctx ends first.
func (w *Worker) Run(ctx context.Context) error {
	_ = w.Install(ctx)

	w.setState(StateWaiting)
	select {
	case <-w.skip:
	case <-ctx.Done():
		return ctx.Err()
	}

	_ = w.Activate(ctx)
	return nil
}

// HandleMessage applies a control message from a client
func (w *Worker) HandleMessage(ctx context.Context, msg bus.Message) error {
	switch msg.Type {
	case bus.SkipWaiting:
		w.SkipWaiting()
		return nil
	case bus.ClearCache:
		return w.clearCache(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

func (w *Worker) clearCache(ctx context.Context) error {
	var err error
	if w.manager != nil {
		if err = w.manager.ClearAll(); err != nil {
			logrus.Errorf("Cache clear incomplete: %v", err)
		}
	}

	if w.bus != nil {
		if perr := w.bus.Publish(ctx, bus.Message{Type: bus.CacheCleared}); perr != nil {
			logrus.Errorf("Failed to broadcast cache clear: %v", perr)
		}
	}
	return err
}

// Sync runs one background reconciliation
func (w *Worker) Sync(ctx context.Context, tag string) error {
	return w.reconciler.Reconcile(ctx, tag)
}

// RunPeriodicSync calls Sync every interval until ctx ends
func (w *Worker) RunPeriodicSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sync(ctx, "periodic"); err != nil {
				logrus.Warnf("Periodic sync failed: %v", err)
			}
		}
	}
}
