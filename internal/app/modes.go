package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/bookrecorder/internal/config"
	"github.com/alanyoungcy/bookrecorder/internal/domain"
	"github.com/alanyoungcy/bookrecorder/internal/platform/bybit"
	"github.com/alanyoungcy/bookrecorder/internal/platform/polymarket"
	"github.com/alanyoungcy/bookrecorder/internal/recorder"
	"github.com/alanyoungcy/bookrecorder/internal/rotate"
	"github.com/alanyoungcy/bookrecorder/internal/scheduler"
	"github.com/alanyoungcy/bookrecorder/internal/server"
	"github.com/alanyoungcy/bookrecorder/internal/server/handler"
	"github.com/alanyoungcy/bookrecorder/internal/stream"
	"github.com/alanyoungcy/bookrecorder/internal/symbolset"
	"github.com/alanyoungcy/bookrecorder/internal/window"
)

// Venue names. They label metrics, name the data directories and prefix the
// output tags.
const (
	venueBybitSpot   = "bybit_spot"
	venueBybitFuture = "bybit_future"
)

// record runs the venues selected by the mode together with the HTTP server.
// After every session has stopped it closes the recorders, drains the archive
// queue and finally stops the journal, notifier and publishers so events
// raised during shutdown are still delivered.
func (a *App) record(ctx context.Context, deps *Dependencies) error {
	var (
		recs   []*recorder.Recorder
		owners []func(ctx context.Context) error
	)
	if a.cfg.Runs(venueBybitSpot) {
		rec := a.newRecorder(venueBybitSpot, rotate.PerSymbol, true, deps)
		recs = append(recs, rec)
		owners = append(owners, a.bybitSpot(rec, deps).Run)
	}
	if a.cfg.Runs(venueBybitFuture) {
		rec := a.newRecorder(venueBybitFuture, rotate.PerSymbol, true, deps)
		recs = append(recs, rec)
		owners = append(owners, a.bybitFuture(rec, deps).Run)
	}
	if a.cfg.Runs(polymarket.Venue) {
		rec := a.newRecorder(polymarket.Venue, rotate.Batch, a.cfg.Writer.PolymarketDecimate, deps)
		recs = append(recs, rec)
		scheds, err := a.polymarket(rec, deps)
		if err != nil {
			return err
		}
		for _, s := range scheds {
			owners = append(owners, s.Run)
		}
	}

	svcCtx, svcCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer svcCancel()
	var svc errgroup.Group
	if deps.Journal != nil {
		svc.Go(func() error { return deps.Journal.Run(svcCtx) })
	}
	if deps.Notifier != nil {
		svc.Go(func() error { return deps.Notifier.Run(svcCtx) })
	}
	if deps.Fanout != nil {
		svc.Go(func() error { return deps.Fanout.Run(svcCtx) })
	}
	if deps.Hub != nil {
		svc.Go(func() error { return deps.Hub.Run(svcCtx) })
	}

	archCtx, archCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer archCancel()
	archDone := make(chan struct{})
	if deps.Archiver != nil {
		go func() {
			defer close(archDone)
			_ = deps.Archiver.Run(archCtx)
		}()
	} else {
		close(archDone)
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		srv := a.newServer(deps)
		g.Go(func() error { return srv.Run(gctx) })
	}
	for _, run := range owners {
		g.Go(func() error { return run(gctx) })
	}

	err := g.Wait()

	for _, rec := range recs {
		if cerr := rec.Close(); cerr != nil {
			a.logger.Error("recorder close failed",
				slog.String("venue", rec.Venue()),
				slog.String("error", cerr.Error()),
			)
		}
	}
	if deps.Archiver != nil {
		deps.Archiver.Close()
		a.drainArchive(archDone, archCancel)
	}
	svcCancel()
	if serr := svc.Wait(); serr != nil && err == nil {
		err = serr
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drainArchive waits for queued uploads, giving up after one archive timeout.
func (a *App) drainArchive(done <-chan struct{}, cancel context.CancelFunc) {
	a.logger.Info("draining archive queue")
	timer := time.NewTimer(a.cfg.Archive.Timeout.Duration)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		a.logger.Warn("archive drain timed out; remaining files stay on disk")
		cancel()
		<-done
	}
}

func (a *App) newServer(deps *Dependencies) *server.Server {
	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Probes, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, deps.Board),
	}
	if deps.Journal != nil {
		handlers.Events = handler.NewEventsHandler(deps.Journal, a.logger)
	}
	if deps.Hub != nil {
		handlers.Live = deps.Hub.HandleWS
	}
	return server.NewServer(server.Config{Addr: a.cfg.Server.Addr}, handlers, a.logger)
}

// newRecorder builds the writers of one venue under <data_dir>/<venue>.
func (a *App) newRecorder(venue string, layout rotate.Layout, decimated bool, deps *Dependencies) *recorder.Recorder {
	dir := filepath.Join(a.cfg.DataDir, venue)
	open := func(tag string) *rotate.Writer {
		opts := rotate.Options{
			Dir:    dir,
			Tag:    tag,
			Layout: layout,
			OnClosed: func(path string) {
				if deps.Archiver != nil {
					deps.Archiver.Enqueue(path)
				}
			},
			OnFailed: func(err error) {
				deps.Events.Emit(context.Background(), domain.LifecycleEvent{
					Time:   time.Now(),
					Slot:   venue,
					Event:  domain.EventWriterFailed,
					Target: tag,
					Detail: map[string]any{"error": err.Error()},
				})
			},
		}
		if layout == rotate.Batch {
			opts.MaxRecords = a.cfg.Writer.BatchSize
		}
		return rotate.New(opts, a.logger)
	}

	base := venue + "_orderbook_rt"
	streams := recorder.Streams{
		Raw:      open(base),
		Snapshot: open(base + "_ss"),
	}
	if decimated {
		for _, width := range a.cfg.Writer.Durations() {
			streams.Decimated = append(streams.Decimated, recorder.Decimated{
				Width:  width,
				Writer: open(base + "_ss_" + widthTag(width)),
			})
		}
	}
	return recorder.New(venue, streams, deps.Publisher(), a.logger)
}

// widthTag renders a decimation width the way it appears in file names:
// 1s, 1m, 1h.
func widthTag(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d/time.Millisecond)
	}
}

func streamConfig(c config.StreamConfig) stream.Config {
	return stream.Config{
		DialTimeout:    c.DialTimeout.Duration,
		ReadTimeout:    c.ReadTimeout.Duration,
		WriteTimeout:   c.WriteTimeout.Duration,
		PingInterval:   c.PingInterval.Duration,
		StatusInterval: c.StatusInterval.Duration,
		LogInterval:    c.LogInterval.Duration,
		ReconnectDelay: c.ReconnectDelay.Duration,
	}
}

// poolWorker returns a symbol-set worker that keeps one session alive per
// target. Pool workers always write.
func (a *App) poolWorker(adapter stream.Adapter, rec *recorder.Recorder, deps *Dependencies) symbolset.WorkerFunc {
	cfg := streamConfig(a.cfg.Stream)
	return func(ctx context.Context, target domain.Target) {
		newOutput := func() stream.Output { return rec.Output(recorder.NewGate(true)) }
		stream.New(cfg, adapter, target, newOutput, deps.Board, a.logger).RunForever(ctx)
	}
}

func (a *App) bybitSpot(rec *recorder.Recorder, deps *Dependencies) *symbolset.Manager {
	bc := a.cfg.Bybit
	adapter := bybit.NewOrderbookAdapter(venueBybitSpot, bc.SpotURL, bc.SpotDepth)
	source := symbolset.NewStaticSource(venueBybitSpot, bc.SpotSymbols)
	return symbolset.NewManager(venueBybitSpot, source, bc.DeliveryRefresh.Duration,
		a.poolWorker(adapter, rec, deps), deps.Events, a.logger)
}

func (a *App) bybitFuture(rec *recorder.Recorder, deps *Dependencies) *symbolset.Manager {
	bc := a.cfg.Bybit
	adapter := bybit.NewOrderbookAdapter(venueBybitFuture, bc.LinearURL, bc.LinearDepth)

	var source symbolset.Source = symbolset.NewStaticSource(venueBybitFuture, bc.FutureSymbols)
	if bc.Delivery {
		instruments := bybit.NewInstrumentsClient(bc.RESTURL, bc.HTTPTimeout.Duration, bc.RequestsPerSecond)
		filter := bybit.DeliveryFilter{Quote: bc.DeliveryQuote, Exclude: bc.DeliveryExclude}
		source = symbolset.NewDeliverySource(venueBybitFuture, bc.FutureSymbols, instruments, filter, a.logger)
	}
	return symbolset.NewManager(venueBybitFuture, source, bc.DeliveryRefresh.Duration,
		a.poolWorker(adapter, rec, deps), deps.Events, a.logger)
}

// polymarket builds one scheduler per slot (asset × template).
func (a *App) polymarket(rec *recorder.Recorder, deps *Dependencies) ([]*scheduler.Scheduler, error) {
	pc := a.cfg.Polymarket
	loc, err := time.LoadLocation(pc.Timezone)
	if err != nil {
		return nil, fmt.Errorf("polymarket: timezone: %w", err)
	}
	assets := make([]window.Asset, 0, len(pc.Assets))
	for _, tag := range pc.Assets {
		asset, err := window.ParseAsset(tag)
		if err != nil {
			return nil, fmt.Errorf("polymarket: %w", err)
		}
		assets = append(assets, asset)
	}

	adapter := polymarket.NewMarketAdapter(pc.WSURL)
	gamma := polymarket.NewGammaClient(pc.GammaHost, pc.HTTPTimeout.Duration, pc.RequestsPerSecond)
	resolver := polymarket.NewResolver(gamma, pc.HTTPTimeout.Duration)

	streamCfg := streamConfig(a.cfg.Stream)
	factory := func(target domain.Target, gate *recorder.Gate) scheduler.Session {
		newOutput := func() stream.Output { return rec.Output(gate) }
		return stream.New(streamCfg, adapter, target, newOutput, deps.Board, a.logger)
	}
	schedCfg := scheduler.Config{
		Tick:         pc.Tick.Duration,
		Lead:         pc.Lead.Duration,
		MaxReadyWait: pc.MaxReadyWait.Duration,
		RestartDelay: a.cfg.Stream.ReconnectDelay.Duration,
	}

	slots := window.Slots(pc.Templates, assets, loc)
	scheds := make([]*scheduler.Scheduler, 0, len(slots))
	for _, tmpl := range slots {
		scheds = append(scheds, scheduler.New(schedCfg, tmpl, resolver, factory, a.logger,
			scheduler.WithEvents(deps.Events),
			scheduler.WithStatus(deps.Board),
		))
	}
	a.logger.Info("polymarket slots", slog.Int("count", len(scheds)))
	return scheds, nil
}
