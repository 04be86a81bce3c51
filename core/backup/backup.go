// Package backup snapshots the wallet database to timestamped files and
// restores it from them.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Layr-Labs/eigensdk-go/logging"

	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
)

const backupFileName = "wallet-backup.db"

type Service struct {
	logger    logging.Logger
	db        storage.Storage
	backupDir string

	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewService(lgr logging.Logger, db storage.Storage, backupDir string) *Service {
	return &Service{
		logger:    logger.Component(lgr, "backup"),
		db:        db,
		backupDir: backupDir,
	}
}

// StartPeriodicBackup backs up every interval until StopPeriodicBackup
func (s *Service) StartPeriodicBackup(interval time.Duration) error {
	if s.running {
		return fmt.Errorf("backup service already running")
	}
	if interval <= 0 {
		return fmt.Errorf("invalid backup interval %s", interval)
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.backupLoop(interval)

	s.logger.Info("started periodic backup", "interval", interval, "dir", s.backupDir)
	return nil
}

// StopPeriodicBackup waits for an in flight backup to finish
func (s *Service) StopPeriodicBackup() {
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	<-s.done
	s.logger.Info("stopped periodic backup")
}

func (s *Service) backupLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.PerformBackup(context.Background()); err != nil {
				s.logger.Error("periodic backup failed", "error", err)
			}
		case <-s.stop:
			return
		}
	}
}

// PerformBackup writes a full backup to <dir>/<yy-mm-dd-hh-mm-ss>/ and
// returns the file path
func (s *Service) PerformBackup(ctx context.Context) (string, error) {
	backupPath := filepath.Join(s.backupDir, time.Now().UTC().Format("06-01-02-15-04-05"))
	if err := os.MkdirAll(backupPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup timestamp directory: %w", err)
	}

	backupFile := filepath.Join(backupPath, backupFileName)
	f, err := os.Create(backupFile)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	if _, err := s.db.Backup(ctx, f, 0); err != nil {
		return "", fmt.Errorf("backup operation failed: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("failed to flush backup file: %w", err)
	}

	s.logger.Info("backup completed", "file", backupFile)
	return backupFile, nil
}

// Restore loads a file written by PerformBackup into the database
func (s *Service) Restore(ctx context.Context, backupFile string) error {
	f, err := os.Open(backupFile)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	if err := s.db.Load(ctx, f); err != nil {
		return fmt.Errorf("restore operation failed: %w", err)
	}
	s.logger.Info("restore completed", "file", backupFile)
	return nil
}

// Backups lists existing backup files, oldest first
func (s *Service) Backups() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.backupDir, "*", backupFileName))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
