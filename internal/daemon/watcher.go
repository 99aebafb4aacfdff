package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ContractWatcher monitors the contract status directory and debounces file
// changes into a single trigger, typically an out-of-schedule sentinel tick.
type ContractWatcher struct {
	dir          string
	trigger      func()
	watcher      *fsnotify.Watcher
	logger       *slog.Logger
	stopChan     chan struct{}
	changeChan   chan struct{}
	debounceTime time.Duration
}

// NewContractWatcher creates a watcher over dir that invokes trigger after
// changes settle.
func NewContractWatcher(dir string, trigger func(), logger *slog.Logger) (*ContractWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to resolve contract directory: %w", err)
	}
	return &ContractWatcher{
		dir:          absDir,
		trigger:      trigger,
		watcher:      watcher,
		logger:       logger,
		stopChan:     make(chan struct{}),
		changeChan:   make(chan struct{}, 1),
		debounceTime: 2 * time.Second,
	}, nil
}

// Start begins monitoring the contract directory.
func (cw *ContractWatcher) Start(ctx context.Context) error {
	if err := cw.watcher.Add(cw.dir); err != nil {
		return fmt.Errorf("failed to watch contract directory %s: %w", cw.dir, err)
	}
	cw.logger.Info("starting contract watcher", "dir", cw.dir)
	go cw.watchLoop(ctx)
	go cw.triggerLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (cw *ContractWatcher) Stop() error {
	cw.logger.Info("stopping contract watcher")
	close(cw.stopChan)
	return cw.watcher.Close()
}

func (cw *ContractWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopChan:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cw.logger.Debug("contract change detected", "file", event.Name, "op", event.Op.String())
			select {
			case cw.changeChan <- struct{}{}:
			default:
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("contract watcher error", "error", err)
		}
	}
}

func (cw *ContractWatcher) triggerLoop(ctx context.Context) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-cw.stopChan:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-cw.changeChan:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(cw.debounceTime, cw.trigger)
		}
	}
}
