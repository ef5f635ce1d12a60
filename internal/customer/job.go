package customer

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/chunk"
	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/coordinator"
	"github.com/dreamware/batchgrid/internal/datasource/flatfile"
	"github.com/dreamware/batchgrid/internal/datasource/sqlsource"
	"github.com/dreamware/batchgrid/internal/fault"
	"github.com/dreamware/batchgrid/internal/item"
	"github.com/dreamware/batchgrid/internal/metrics"
	"github.com/dreamware/batchgrid/internal/partition"
	"github.com/dreamware/batchgrid/internal/worker"
)

// Step names shared by the coordinator and the nodes
const (
	CopyStep   = "copyCustomers"
	SlaveStep  = "slaveStep"
	ExportStep = "exportCustomers"
	RemoteStep = "remoteCopyCustomers"
)

// Settings are the knobs of the customer steps.
type Settings struct {
	ChunkSize  int
	FetchSize  int
	Policy     fault.Policy
	ExportPath string
	DateLayout string
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// DefaultPolicy skips up to ten invalid customers per execution.
func DefaultPolicy() fault.Policy {
	return fault.Policy{SkippableKinds: fault.NewKindSet(KindInvalid), SkipLimit: 10}
}

func (s Settings) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s Settings) chunkConfig(name string) chunk.Config {
	return chunk.Config{Name: name, ChunkSize: s.ChunkSize, Policy: s.Policy}
}

func (s Settings) engineOptions() []chunk.Option {
	return []chunk.Option{
		chunk.WithLogger(s.logger()),
		chunk.WithMetrics(s.Metrics),
		chunk.WithObserver(LogSkips(s.logger())),
	}
}

// RangeReaders opens a paging reader over the customers of a partition.
func RangeReaders(db *sql.DB, fetchSize int) worker.ReaderFactory[Customer] {
	return func(_ context.Context, desc *partition.Descriptor) (item.Reader[Customer], error) {
		return sqlsource.NewRangeReader(db, selectRange, scan, key, desc, fetchSize), nil
	}
}

// NewWriter stores customers in new_customer, one transaction per chunk.
func NewWriter(db *sql.DB) item.Writer[Customer] {
	return sqlsource.NewBatchWriter(db, insertNewCustomer, args)
}

// NewSlaveStep copies the customers of one partition into new_customer.
func NewSlaveStep(db *sql.DB, s Settings) worker.Step {
	return worker.NewPartitionStep[Customer, Customer](
		s.chunkConfig(SlaveStep),
		RangeReaders(db, s.FetchSize),
		Validate(),
		worker.SharedWriter(NewWriter(db)),
		s.engineOptions()...,
	)
}

// NewExportStep writes every customer to s.ExportPath as JSON lines. It may
// run again for a key that already completed.
func NewExportStep(db *sql.DB, s Settings) worker.Step {
	cfg := s.chunkConfig(ExportStep)
	cfg.AllowRestartFromCompleted = true
	layout := s.DateLayout
	if layout == "" {
		layout = flatfile.DefaultDateLayout
	}
	return worker.NewPartitionStep[Customer, Customer](
		cfg,
		RangeReaders(db, s.FetchSize),
		Validate(),
		func(context.Context, *partition.Descriptor) (item.Writer[Customer], error) {
			return flatfile.NewFileWriter[Customer](s.ExportPath, flatfile.WithDateLayout(layout)), nil
		},
		s.engineOptions()...,
	)
}

// Register adds the steps a node runs to locator. The export step is only
// registered when an export path is set.
func Register(locator *worker.StepLocator, db *sql.DB, s Settings) error {
	if err := locator.Register(NewSlaveStep(db, s)); err != nil {
		return err
	}
	if s.ExportPath != "" {
		return locator.Register(NewExportStep(db, s))
	}
	return nil
}

// CopyJob partitions the customer id range into gridSize slices of the
// slave step.
func CopyJob(db *sql.DB, gridSize int, pollInterval, timeout time.Duration) coordinator.PartitionJob {
	return coordinator.PartitionJob{
		StepName:     CopyStep,
		WorkerStep:   SlaveStep,
		Partitioner:  partition.ColumnRangePartitioner{Bounds: Bounds(db)},
		GridSize:     gridSize,
		PollInterval: pollInterval,
		Timeout:      timeout,
	}
}

// NewRemoteCopy reads every customer on the coordinator and ships the chunks
// to chunk workers.
func NewRemoteCopy(db *sql.DB, s Settings, cfg coordinator.RemoteChunkConfig,
	requests cluster.Sender[cluster.ChunkRequest], replies cluster.Receiver[cluster.ChunkReply], opts ...coordinator.Option,
) *coordinator.RemoteChunkCoordinator[Customer] {
	newReader := func() item.Reader[Customer] {
		return sqlsource.NewRangeReader(db, selectRange, scan, key, nil, s.FetchSize)
	}
	return coordinator.NewRemoteChunkCoordinator[Customer](s.chunkConfig(RemoteStep), cfg, newReader, requests, replies, opts...)
}

// NewCopyChunkWorker validates and stores the customers of remote chunks.
func NewCopyChunkWorker(db *sql.DB, s Settings, opts ...worker.Option) (*worker.ChunkWorker[Customer, Customer], error) {
	cw, err := worker.NewChunkWorker[Customer, Customer](s.chunkConfig(RemoteStep), Validate(), NewWriter(db), opts...)
	if err != nil {
		return nil, err
	}
	cw.Observe(LogSkips(s.logger()))
	return cw, nil
}
