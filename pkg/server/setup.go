package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/nicktill/histqueue/pkg/config"
	"github.com/nicktill/histqueue/pkg/datapoint"
	"github.com/nicktill/histqueue/pkg/ebd"
	"github.com/nicktill/histqueue/pkg/filestore"
	"github.com/nicktill/histqueue/pkg/filestore/badger"
	"github.com/nicktill/histqueue/pkg/filestore/disk"
	"github.com/nicktill/histqueue/pkg/historian"
	"github.com/nicktill/histqueue/pkg/parser"
	"github.com/nicktill/histqueue/pkg/queue"
	"github.com/nicktill/histqueue/pkg/server/monitor"
	"github.com/nicktill/histqueue/pkg/sink"
	"github.com/nicktill/histqueue/pkg/tags"
	"github.com/nicktill/histqueue/pkg/tracker"
)

// SimulatedTags is the tag list used when the daemon runs against the local
// historian and no tag list file exists.
var SimulatedTags = []tags.Info{
	{ID: 247, Name: "Pump_Running", Type: datapoint.BooleanType, Group: ebd.GroupA},
	{ID: 248, Name: "Tank_Level", Type: datapoint.FloatType, Group: ebd.GroupA},
	{ID: 249, Name: "Batch_Count", Type: datapoint.IntegerType, Group: ebd.GroupB},
	{ID: 250, Name: "Flow_Total", Type: datapoint.DwordType, Group: ebd.GroupC},
	{ID: 251, Name: "Operator_Note", Type: datapoint.StringType, Group: ebd.GroupD},
}

// gcRunner is a store with a BadgerDB value log.
type gcRunner interface {
	RunGC(discardRatio float64) error
}

// Components holds everything the daemon runs.
type Components struct {
	Config   config.Config
	Settings *config.Settings

	Store     filestore.Store
	Tracker   *tracker.Tracker
	Registry  *tags.Cache
	Service   ebd.Service
	Historian *historian.Historian
	Manager   *queue.Manager
	Sink      sink.Sink

	CycleMonitor   *monitor.CycleMonitor
	StorageMonitor *monitor.StorageMonitor

	// GC lists the BadgerDB stores that need value log GC.
	GC map[string]gcRunner

	closers []io.Closer
}

// Initialize builds all components from cfg.
func Initialize(cfg config.Config) (*Components, error) {
	c := &Components{
		Config: cfg,
		GC:     make(map[string]gcRunner),
	}
	if err := c.init(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) init() error {
	cfg := c.Config

	queueDir := filepath.Join(cfg.DataDir, config.QueueDir)
	if err := os.MkdirAll(queueDir, 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	log.Printf("Data directory: %s", cfg.DataDir)

	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	c.Settings = settings

	if err := c.initStore(queueDir); err != nil {
		return err
	}
	c.Tracker = tracker.New(c.Store, config.TimeTrackerFile, config.TimeTrackerBackup)

	c.Registry = tags.NewCache(c.tagSource())

	if err := c.initService(); err != nil {
		return err
	}

	out, err := c.openOutput()
	if err != nil {
		return err
	}
	c.Sink, err = sink.New(sink.Format(cfg.OutputFormat), out)
	if err != nil {
		return err
	}

	c.Manager, err = queue.NewManager(queue.Options{
		Service:          c.Service,
		Registry:         c.Registry,
		Tracker:          c.Tracker,
		Settings:         c.Settings,
		StandardArtifact: cfg.QueuePath(config.StandardArtifact),
		StringArtifact:   cfg.QueuePath(config.StringArtifact),
		Parser: parser.Options{
			LinesPerSecond: cfg.LinesPerSecond,
			Burst:          config.DefaultLineBurst,
		},
		Deliver: c.Sink.Write,
	})
	if err != nil {
		return err
	}

	c.CycleMonitor = monitor.NewCycleMonitor(staleAfter(cfg))
	c.StorageMonitor = monitor.NewStorageMonitor(cfg.DataDir)
	return nil
}

// initStore opens the checkpoint file store.
func (c *Components) initStore(queueDir string) error {
	switch c.Config.Store {
	case config.StoreBadger:
		log.Println("Initializing BadgerDB checkpoint store...")
		store, err := badger.New(badger.Config{
			Path:        filepath.Join(c.Config.DataDir, config.CheckpointStoreDir),
			MaxMemoryMB: c.Config.MaxMemoryMB,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize checkpoint store: %w", err)
		}
		c.Store = store
		c.closers = append(c.closers, store)
		c.GC["checkpoints"] = store
	default:
		c.Store = disk.New(queueDir)
	}
	log.Printf("Checkpoint store: %s", c.Config.Store)
	return nil
}

// tagSource prefers the tag list file; the simulated tag list is only used
// against the local historian.
func (c *Components) tagSource() tags.Source {
	if _, err := os.Stat(c.Config.TagList); err == nil || !c.Config.Simulated() {
		log.Printf("Tag list: %s", c.Config.TagList)
		return tags.FileSource{Path: c.Config.TagList}
	}
	log.Printf("Tag list %s not found, using %d simulated tags", c.Config.TagList, len(SimulatedTags))
	return tags.StaticSource(SimulatedTags)
}

// initService connects to the device export endpoint, or opens the local
// historian when none is configured.
func (c *Components) initService() error {
	loc, err := c.Config.Location()
	if err != nil {
		return err
	}

	if !c.Config.Simulated() {
		svc, err := ebd.NewHTTP(ebd.HTTPConfig{
			Endpoint: c.Config.ExportURL,
			Username: c.Config.ExportUser,
			Password: c.Config.ExportPass,
			Location: loc,
		})
		if err != nil {
			return err
		}
		c.Service = svc
		log.Printf("Exporting from %s", c.Config.ExportURL)
		return nil
	}

	log.Println("No export URL configured, exporting from the local historian")
	db, err := badger.Open(badger.Config{
		Path:        filepath.Join(c.Config.DataDir, config.HistorianDir),
		MaxMemoryMB: c.Config.MaxMemoryMB,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize historian: %w", err)
	}
	c.closers = append(c.closers, db)
	c.GC["historian"] = dbGC{db}

	c.Historian = historian.New(db, c.Registry, loc)
	c.Service = c.Historian
	return nil
}

func (c *Components) openOutput() (io.Writer, error) {
	if c.Config.Output == "" || c.Config.Output == "-" {
		return os.Stdout, nil
	}
	f, err := os.OpenFile(c.Config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output: %w", err)
	}
	c.closers = append(c.closers, f)
	log.Printf("Writing %s output to %s", c.Config.OutputFormat, c.Config.Output)
	return f, nil
}

// SimulatedTagList loads the registry and returns every tag for the
// historian simulator to log.
func (c *Components) SimulatedTagList(ctx context.Context) ([]tags.Info, error) {
	if err := c.Registry.Refresh(ctx); err != nil {
		return nil, err
	}
	list := c.Registry.All()
	if len(list) == 0 {
		return nil, errors.New("tag list is empty")
	}
	return list, nil
}

// Close releases stores and output files in reverse order of opening.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// staleAfter is how long without a successful cycle before the daemon
// reports itself degraded.
func staleAfter(cfg config.Config) time.Duration {
	span := 2 * time.Duration(cfg.SpanMinutes) * time.Minute
	if d := 10 * cfg.PollInterval; d > span {
		return d
	}
	return span
}

type dbGC struct {
	db *badgerdb.DB
}

func (g dbGC) RunGC(discardRatio float64) error {
	return g.db.RunValueLogGC(discardRatio)
}
