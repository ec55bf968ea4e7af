package service

import (
	"context"
	"errors"
	"sync"

	"github.com/tendermint/forksync/libs/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")
	// ErrAlreadyStopped is returned when somebody tries to stop an already
	// stopped service (without resetting it).
	ErrAlreadyStopped = errors.New("already stopped")
	// ErrNotStarted is returned when somebody tries to stop a not running
	// service.
	ErrNotStarted = errors.New("not started")
)

// Service defines a service that can be started and stopped.
type Service interface {
	// Start is called to start the service, which should run until
	// the context terminates. If the service is already running, Start
	// must report an error.
	Start(context.Context) error

	// Return true if the service is running
	IsRunning() bool

	// String representation of the service
	String() string

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation describes the implementation that the
// BaseService implementation wraps.
type Implementation interface {
	// Called by the Services Start Method
	OnStart(context.Context) error

	// Called when the service's context is canceled.
	OnStop()
}

// BaseService carries the start/stop bookkeeping shared by every long
// running component. Implementations embed it and provide OnStart/OnStop:
//
//	type Reactor struct {
//		service.BaseService
//		// private fields
//	}
//
//	func NewReactor(logger log.Logger) *Reactor {
//		r := &Reactor{}
//		r.BaseService = *service.NewBaseService(logger, "Reactor", r)
//		return r
//	}
//
// OnStart and OnStop are called at most once. If OnStart returns an error
// the service is not marked as started and Start may be called again. The
// service stops either when Stop is called or when the context passed to
// Start is canceled.
type BaseService struct {
	logger log.Logger
	name   string

	mtx     sync.Mutex
	quit    <-chan struct{}
	cancel  context.CancelFunc
	stopped bool

	impl Implementation
}

// NewBaseService creates a new BaseService.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BaseService{
		logger: logger,
		name:   name,
		impl:   impl,
	}
}

// Start starts the Service and calls its OnStart method. An error will be
// returned if the service is already running or stopped.
func (bs *BaseService) Start(ctx context.Context) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.quit != nil {
		return ErrAlreadyStarted
	}
	if bs.stopped {
		return ErrAlreadyStopped
	}

	bs.logger.Info("starting service", "service", bs.name)

	srvCtx, cancel := context.WithCancel(context.Background())
	if err := bs.impl.OnStart(srvCtx); err != nil {
		cancel()
		return err
	}

	bs.cancel = cancel
	bs.quit = srvCtx.Done()

	go func(ctx context.Context) {
		select {
		case <-srvCtx.Done():
			// someone else explicitly called stop
			// and then we shouldn't.
			return
		case <-ctx.Done():
			bs.Stop()
		}
	}(ctx)

	return nil
}

// Stop manually terminates the service by calling OnStop and canceling the
// service's context. It is safe to call Stop more than once.
func (bs *BaseService) Stop() {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.quit == nil || bs.stopped {
		return
	}

	bs.logger.Info("stopping service", "service", bs.name)
	bs.stopped = true
	bs.impl.OnStop()
	bs.cancel()
}

// IsRunning implements Service by returning true or false depending on the
// service's state.
func (bs *BaseService) IsRunning() bool {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	return bs.quit != nil && !bs.stopped
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() {
	bs.mtx.Lock()
	quit := bs.quit
	bs.mtx.Unlock()

	if quit == nil {
		return
	}
	<-quit
}

// String implements Service by returning a string representation of the service.
func (bs *BaseService) String() string { return bs.name }
