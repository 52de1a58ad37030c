package ml

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ActiveVersionFile points at the snapshot the live artifacts came from.
const ActiveVersionFile = "ACTIVE_VERSION"

// versionStamp is the layout for snapshot directory names. Fractional
// seconds keep the pre- and post-retrain snapshots of one run distinct.
const versionStamp = "20060102T150405.000000000Z"

// Manager owns the model artifact directory: versioned snapshots, the
// retrain procedure, rollback, and reloads into the scorer.
type Manager struct {
	dir     string
	scorer  *Scorer
	trainer *Trainer
	log     *slog.Logger
	now     func() time.Time
}

// NewManager builds a Manager over dir. trainer may be nil when retraining
// is disabled; Reload and Rollback still work.
func NewManager(dir string, scorer *Scorer, trainer *Trainer, log *slog.Logger) *Manager {
	return &Manager{dir: dir, scorer: scorer, trainer: trainer, log: log, now: time.Now}
}

// Reload loads the artifact set from the main directory and installs it in
// the scorer. A load failure leaves the previous bundle serving.
func (m *Manager) Reload() error {
	b, err := LoadBundle(m.dir)
	if err != nil {
		return fmt.Errorf("reload models: %w", err)
	}
	m.scorer.Reload(b)
	m.log.Info("model bundle reloaded", "version", b.Version, "dir", m.dir)
	return nil
}

// Snapshot copies the current artifacts into a new UTC-stamped version
// directory and writes its metadata. With markActive the snapshot becomes
// the recorded active version.
func (m *Manager) Snapshot(reason, runID string, markActive bool) (string, error) {
	version := m.now().UTC().Format(versionStamp)
	versionDir := filepath.Join(m.dir, "versions", version)
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot %s: %w", version, err)
	}

	hashes := map[string]string{}
	for _, name := range ArtifactFiles {
		if name == MetadataFile {
			continue
		}
		src := filepath.Join(m.dir, name)
		sum, err := copyFileHashed(src, filepath.Join(versionDir, name))
		if os.IsNotExist(err) {
			continue // metrics files may not exist before first training
		}
		if err != nil {
			return "", fmt.Errorf("snapshot %s: copy %s: %w", version, name, err)
		}
		hashes[name] = sum
	}

	meta := Metadata{
		Reason:    reason,
		RunID:     runID,
		CreatedAt: m.now().UTC().Format(time.RFC3339),
		Artifacts: hashes,
		Activated: markActive,
	}
	if err := writeJSON(filepath.Join(versionDir, MetadataFile), meta); err != nil {
		return "", fmt.Errorf("snapshot %s: metadata: %w", version, err)
	}

	if markActive {
		if err := m.setActive(version); err != nil {
			return "", err
		}
	}
	m.log.Info("model snapshot created", "version", version, "reason", reason, "active", markActive)
	return version, nil
}

// RunRetrain executes the five-step retraining procedure and returns the
// pre- and post-training snapshot versions.
func (m *Manager) RunRetrain(ctx context.Context, doAnomaly, doClassifier bool, runID string) (pre, post string, err error) {
	if m.trainer == nil {
		return "", "", fmt.Errorf("retrain: no trainer configured")
	}

	// 1. Reload so the snapshot matches live inference state. A missing
	// artifact set is fine on the very first training run.
	if err := m.Reload(); err != nil {
		m.log.Warn("pre-train reload failed, continuing", "error", err)
	}

	// 2. Pre-training snapshot.
	pre, err = m.Snapshot("pre-retrain", runID, false)
	if err != nil {
		return "", "", err
	}

	// 3. Train, replacing artifacts in place.
	if err := m.trainer.Train(ctx, m.dir, doAnomaly, doClassifier); err != nil {
		return pre, "", fmt.Errorf("retrain: %w", err)
	}

	// 4. Reload the fresh artifacts.
	if err := m.Reload(); err != nil {
		return pre, "", err
	}

	// 5. Post-training snapshot, marked active.
	post, err = m.Snapshot("post-retrain", runID, true)
	if err != nil {
		return pre, "", err
	}
	return pre, post, nil
}

// Rollback restores all artifacts from a named version into the main
// directory, marks it active, and reloads.
func (m *Manager) Rollback(version string) error {
	versionDir := filepath.Join(m.dir, "versions", version)
	if _, err := os.Stat(versionDir); err != nil {
		return fmt.Errorf("rollback: version %s: %w", version, err)
	}
	for _, name := range ArtifactFiles {
		if name == MetadataFile {
			continue
		}
		src := filepath.Join(versionDir, name)
		if _, err := copyFileHashed(src, filepath.Join(m.dir, name)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("rollback: restore %s: %w", name, err)
		}
	}
	if err := m.setActive(version); err != nil {
		return err
	}
	m.log.Info("model rollback applied", "version", version)
	return m.Reload()
}

// Versions lists snapshot names, newest first.
func (m *Manager) Versions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.dir, "versions"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// ActiveVersion returns the recorded active snapshot name, or "".
func (m *Manager) ActiveVersion() string {
	return activeVersion(m.dir)
}

// RunScheduler retrains every interval until ctx is cancelled. Failures are
// logged and the loop continues; it is self-healing.
func (m *Manager) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 168 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info("auto-retrain scheduler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("auto-retrain scheduler stopped")
			return
		case <-ticker.C:
			runID := fmt.Sprintf("auto-%s", m.now().UTC().Format(versionStamp))
			pre, post, err := m.RunRetrain(ctx, true, true, runID)
			if err != nil {
				m.log.Error("scheduled retrain failed", "run_id", runID, "error", err)
				continue
			}
			m.log.Info("scheduled retrain complete", "run_id", runID, "pre", pre, "post", post)
		}
	}
}

func (m *Manager) setActive(version string) error {
	path := filepath.Join(m.dir, ActiveVersionFile)
	if err := os.WriteFile(path, []byte(version+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", ActiveVersionFile, err)
	}
	return nil
}

// activeVersion reads the ACTIVE_VERSION pointer; "" when absent.
func activeVersion(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, ActiveVersionFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// copyFileHashed copies src to dst and returns the SHA-256 of the content.
func copyFileHashed(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
