package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mstakhov/wbsync/internal/database"
)

const (
	backupPrefix = "wbsync-backup-"
	backupSuffix = ".tar.gz"
	timeLayout   = "2006-01-02-150405"

	// minBackupsKept backups are always retained, regardless of age.
	minBackupsKept = 3
)

// ObjectStore is the storage surface the backup service needs.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// BackupMetadata describes one archived backup.
type BackupMetadata struct {
	CreatedAt time.Time         `json:"created_at"`
	Databases map[string]DBInfo `json:"databases"`
}

// DBInfo records the snapshot of a single database inside the archive.
type DBInfo struct {
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// BackupInfo is one stored archive, parsed from its object key.
type BackupInfo struct {
	Key       string
	CreatedAt time.Time
}

// BackupService snapshots the sqlite databases, archives them and ships the
// archive to object storage.
type BackupService struct {
	store         ObjectStore
	databases     []*database.DB
	stagingDir    string
	retentionDays int
	log           zerolog.Logger
}

// NewBackupService creates a backup service. stagingDir is used for temporary
// snapshot files and is created on demand.
func NewBackupService(store ObjectStore, databases []*database.DB, stagingDir string, retentionDays int, log zerolog.Logger) *BackupService {
	return &BackupService{
		store:         store,
		databases:     databases,
		stagingDir:    stagingDir,
		retentionDays: retentionDays,
		log:           log.With().Str("component", "backup_service").Logger(),
	}
}

// CreateAndUploadBackup snapshots every database, archives the snapshots with
// a metadata manifest, and uploads the archive. Returns the object key.
func (s *BackupService) CreateAndUploadBackup(ctx context.Context) (string, error) {
	now := time.Now().UTC()
	workDir := filepath.Join(s.stagingDir, "staging-"+now.Format(timeLayout))
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	meta := BackupMetadata{
		CreatedAt: now,
		Databases: make(map[string]DBInfo),
	}

	var snapshots []string
	for _, db := range s.databases {
		snapPath := filepath.Join(workDir, db.Name()+".db")
		if err := db.BackupTo(snapPath); err != nil {
			return "", fmt.Errorf("failed to snapshot %s: %w", db.Name(), err)
		}

		info, err := describeFile(snapPath)
		if err != nil {
			return "", fmt.Errorf("failed to checksum %s: %w", db.Name(), err)
		}
		meta.Databases[db.Name()] = info
		snapshots = append(snapshots, snapPath)

		s.log.Debug().
			Str("database", db.Name()).
			Int64("size_bytes", info.SizeBytes).
			Msg("Database snapshot created")
	}

	metaPath := filepath.Join(workDir, "backup-metadata.json")
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaBytes, 0644); err != nil {
		return "", fmt.Errorf("failed to write backup metadata: %w", err)
	}

	archiveName := backupPrefix + now.Format(timeLayout) + backupSuffix
	archivePath := filepath.Join(workDir, archiveName)
	if err := createArchive(archivePath, append(snapshots, metaPath)); err != nil {
		return "", fmt.Errorf("failed to create backup archive: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open backup archive: %w", err)
	}
	defer f.Close()

	if err := s.store.Upload(ctx, archiveName, f); err != nil {
		return "", err
	}

	s.log.Info().
		Str("key", archiveName).
		Int("databases", len(s.databases)).
		Msg("Backup uploaded")
	return archiveName, nil
}

// ListBackups returns stored backups, newest first. Keys that do not follow
// the archive naming convention are skipped.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	keys, err := s.store.ListKeys(ctx, backupPrefix)
	if err != nil {
		return nil, err
	}

	var backups []BackupInfo
	for _, key := range keys {
		createdAt, ok := parseBackupKey(key)
		if !ok {
			continue
		}
		backups = append(backups, BackupInfo{Key: key, CreatedAt: createdAt})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// RotateOldBackups deletes backups older than the retention window. The
// newest minBackupsKept archives survive regardless of age.
func (s *BackupService) RotateOldBackups(ctx context.Context) (int, error) {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return 0, err
	}
	if len(backups) <= minBackupsKept {
		return 0, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, b := range backups[minBackupsKept:] {
		if !b.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, b.Key); err != nil {
			return deleted, fmt.Errorf("failed to rotate %s: %w", b.Key, err)
		}
		deleted++
		s.log.Info().Str("key", b.Key).Msg("Old backup deleted")
	}
	return deleted, nil
}

func parseBackupKey(key string) (time.Time, bool) {
	name := filepath.Base(key)
	if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
	t, err := time.Parse(timeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func describeFile(path string) (DBInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return DBInfo{}, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return DBInfo{}, err
	}

	return DBInfo{
		SizeBytes: size,
		SHA256:    fmt.Sprintf("%x", h.Sum(nil)),
	}, nil
}

func createArchive(archivePath string, files []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	for _, path := range files {
		if err := addToArchive(tw, path); err != nil {
			return err
		}
	}
	return nil
}

func addToArchive(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    filepath.Base(path),
		Size:    stat.Size(),
		Mode:    0644,
		ModTime: stat.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
