// Package poll is the fallback transport: fetch the telemetry document
// over plain HTTP on a fixed interval.
//
// Polling has no connection to lose. A failed fetch is reported and the
// next tick is the retry; the ticker keeps running until Stop.
package poll

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/risa-org/hubfeed/clock"
	"github.com/risa-org/hubfeed/transport"
	"github.com/risa-org/hubfeed/transport/httpx"
)

const (
	// Path is where the server serves the current telemetry document.
	Path = "/api/ets2/telemetry"

	// DefaultInterval is the poll interval when none is configured.
	DefaultInterval = 500 * time.Millisecond

	// fetchTimeout bounds a single request so a hung server cannot
	// stall the loop forever.
	fetchTimeout = 5 * time.Second
)

var errInvalidDocument = errors.New("response is not a JSON document")

// Result is the outcome of one tick. Err is a *transport.FetchError when
// the fetch failed, and Snapshot is empty then.
type Result struct {
	Tick     uint64
	Snapshot transport.Snapshot
	Err      error
}

// Options configures a poll Transport.
type Options struct {
	Client   *http.Client // shared httpx client; http.DefaultClient when nil
	Clock    clock.Clock
	Interval time.Duration // DefaultInterval when zero
	Path     string        // Path when empty
	Logger   zerolog.Logger
}

// Transport is one running poll loop.
type Transport struct {
	url      string
	client   *http.Client
	clock    clock.Clock
	interval time.Duration
	log      zerolog.Logger

	results chan Result
	ticks   atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Start fetches once right away and then every interval. The only error
// is an unusable server URL.
func Start(serverURL string, opts Options) (*Transport, error) {
	path := opts.Path
	if path == "" {
		path = Path
	}
	endpoint, err := httpx.Endpoint(serverURL, path)
	if err != nil {
		return nil, err
	}

	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Transport{
		url:      endpoint.String(),
		client:   client,
		clock:    c,
		interval: interval,
		log:      opts.Logger.With().Str("component", "poll").Logger(),
		results:  make(chan Result, 16),
		ctx:      ctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.loop()
	return p, nil
}

// Results emits one Result per tick, in tick order. It is closed after Stop.
func (p *Transport) Results() <-chan Result {
	return p.results
}

// Interval returns the poll interval.
func (p *Transport) Interval() time.Duration {
	return p.interval
}

// Ticks returns how many fetches have been started.
func (p *Transport) Ticks() uint64 {
	return p.ticks.Load()
}

// Stop cancels the ticker and any fetch in flight and waits for the loop
// to exit. Safe to call more than once.
func (p *Transport) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.cancel()
	})
	<-p.done
}

func (p *Transport) loop() {
	defer close(p.done)
	defer close(p.results)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info().Str("url", p.url).Dur("interval", p.interval).Msg("polling started")
	p.poll()
	for {
		select {
		case <-p.stop:
			p.log.Info().Uint64("ticks", p.ticks.Load()).Msg("polling stopped")
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Transport) poll() {
	select {
	case <-p.stop:
		return
	default:
	}

	tick := p.ticks.Add(1)
	ctx, cancel := context.WithTimeout(p.ctx, fetchTimeout)
	snap, err := p.fetch(ctx)
	cancel()

	if err != nil {
		p.log.Warn().Err(err).Uint64("tick", tick).Msg("poll failed")
	}

	select {
	case p.results <- Result{Tick: tick, Snapshot: snap, Err: err}:
	case <-p.stop:
	}
}

func (p *Transport) fetch(ctx context.Context) (transport.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return transport.Snapshot{}, &transport.FetchError{URL: p.url, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return transport.Snapshot{}, &transport.FetchError{URL: p.url, Err: err}
	}
	defer resp.Body.Close()

	if !httpx.Success(resp.StatusCode) {
		return transport.Snapshot{}, &transport.FetchError{
			URL:        p.url,
			StatusCode: resp.StatusCode,
			Err:        errors.New(resp.Status),
		}
	}

	body, err := httpx.ReadBody(resp.Body)
	if err != nil {
		return transport.Snapshot{}, &transport.FetchError{URL: p.url, Err: err}
	}
	if !json.Valid(body) {
		return transport.Snapshot{}, &transport.FetchError{URL: p.url, Err: errInvalidDocument}
	}

	return transport.Snapshot{
		Data:       body,
		Source:     transport.KindPoll,
		ReceivedAt: p.clock.Now(),
	}, nil
}
