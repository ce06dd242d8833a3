package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps          Dependencies
	sweepInterval time.Duration
	logger        *zap.Logger

	mu         sync.Mutex
	otpService *OtpService
	stopSweep  context.CancelFunc
	sweepDone  chan struct{}
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(deps Dependencies, sweepInterval time.Duration, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{
		deps:          deps,
		sweepInterval: sweepInterval,
		logger:        logger,
	}
}

// OtpService returns the OTP service instance (singleton) and starts its
// sweeper on first use.
func (f *ServiceFactory) OtpService() (*OtpService, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.otpService != nil {
		return f.otpService, nil
	}
	svc, err := NewOtpService(f.deps)
	if err != nil {
		return nil, err
	}
	f.otpService = svc

	ctx, cancel := context.WithCancel(context.Background())
	f.stopSweep = cancel
	f.sweepDone = make(chan struct{})
	go func() {
		defer close(f.sweepDone)
		svc.RunSweeper(ctx, f.sweepInterval)
	}()
	f.logger.Info("OTP service started", zap.Duration("sweep_interval", f.sweepInterval))
	return svc, nil
}

// Cleanup stops the sweeper.
func (f *ServiceFactory) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopSweep != nil {
		f.stopSweep()
		<-f.sweepDone
		f.stopSweep = nil
	}
}
