// Package scheduler runs one recurring polling task per registered device.
// All transport access funnels through the shared BLE gate, so tasks on
// independent cadences never touch the radio concurrently.
package scheduler

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/MadGoatHaz/blupow-gateway/internal/ble"
	"github.com/MadGoatHaz/blupow-gateway/internal/device"
	"github.com/MadGoatHaz/blupow-gateway/internal/protocol"
	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

// DefaultPollTimeout bounds one driver Poll call, gate wait included.
const DefaultPollTimeout = 30 * time.Second

// PublishFunc receives every PollResult, success or failure.
type PublishFunc func(types.PollResult)

// Scheduler owns the polling tasks and the transient PollResults.
type Scheduler struct {
	transport       ble.Transport
	gate            *ble.Gate
	publish         PublishFunc
	pollTimeout     time.Duration
	defaultInterval time.Duration
	logger          *log.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	record types.DeviceRecord
	driver device.Driver
	stop   chan struct{}
	done   chan struct{}
}

// New creates a scheduler. Zero durations select the defaults.
func New(transport ble.Transport, gate *ble.Gate, publish PublishFunc, pollTimeout, defaultInterval time.Duration) *Scheduler {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	if defaultInterval <= 0 {
		defaultInterval = 60 * time.Second
	}
	return &Scheduler{
		transport:       transport,
		gate:            gate,
		publish:         publish,
		pollTimeout:     pollTimeout,
		defaultInterval: defaultInterval,
		logger:          log.New(os.Stdout, "[Scheduler] ", log.LstdFlags),
		tasks:           make(map[string]*task),
	}
}

// Add starts the polling task for a device. Adding an address twice replaces
// the old task.
func (s *Scheduler) Add(record types.DeviceRecord, drv device.Driver) {
	s.Remove(record.Address)

	t := &task{
		record: record,
		driver: drv,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.tasks[record.Address] = t
	s.mu.Unlock()

	s.logger.Printf("Starting poll task for %s (every %s)", record.Address, record.PollInterval(s.defaultInterval))
	go s.run(t)
}

// Remove stops a device's task and waits for any in-flight tick to finish.
// Nothing is published for the device after Remove returns.
func (s *Scheduler) Remove(address string) {
	s.mu.Lock()
	t, ok := s.tasks[address]
	if ok {
		delete(s.tasks, address)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	close(t.stop)
	<-t.done
	s.logger.Printf("Stopped poll task for %s", address)
}

// Stop tears down all tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	addresses := make([]string, 0, len(s.tasks))
	for addr := range s.tasks {
		addresses = append(addresses, addr)
	}
	s.mu.Unlock()

	for _, addr := range addresses {
		s.Remove(addr)
	}
}

// Active reports whether a task exists for the address.
func (s *Scheduler) Active(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[address]
	return ok
}

func (s *Scheduler) run(t *task) {
	defer close(t.done)

	ticker := time.NewTicker(t.record.PollInterval(s.defaultInterval))
	defer ticker.Stop()

	// First poll immediately so a freshly added device shows up without
	// waiting one full interval.
	s.pollOnce(t)

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			// A slow poll delays this device's next tick; the ticker drops
			// missed ticks rather than queueing them.
			s.pollOnce(t)
		}
	}
}

func (s *Scheduler) pollOnce(t *task) {
	ctx, cancel := context.WithTimeout(context.Background(), s.pollTimeout)
	defer cancel()

	result := types.PollResult{
		Address: t.record.Address,
		Values:  make(map[string]interface{}),
	}

	if err := s.gate.Acquire(ctx); err != nil {
		result.Timestamp = time.Now()
		result.Outcome = types.OutcomeTimeout
		s.logger.Printf("Poll of %s never reached the radio: %v", t.record.Address, err)
		s.publishUnlessStopped(t, result)
		return
	}

	values, err := t.driver.Poll(ctx, s.transport)
	s.gate.Release()

	result.Timestamp = time.Now()
	if err != nil {
		result.Outcome = classifyPollError(err)
		s.logger.Printf("Poll of %s failed (%s): %v", t.record.Address, result.Outcome, err)
	} else {
		result.Outcome = types.OutcomeSuccess
		result.Values = values
	}

	s.publishUnlessStopped(t, result)
}

// publishUnlessStopped suppresses results once removal has begun, so no
// telemetry for a device escapes after Remove returns.
func (s *Scheduler) publishUnlessStopped(t *task, result types.PollResult) {
	select {
	case <-t.stop:
		return
	default:
	}
	if s.publish != nil {
		s.publish(result)
	}
}

func classifyPollError(err error) types.ConnectionOutcome {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.OutcomeTimeout
	case errors.Is(err, protocol.ErrChecksumMismatch),
		errors.Is(err, protocol.ErrTruncatedFrame),
		errors.Is(err, protocol.ErrUnexpectedDeviceID),
		errors.Is(err, protocol.ErrUnexpectedFunction):
		return types.OutcomeProtocolError
	default:
		return types.OutcomeRefused
	}
}
