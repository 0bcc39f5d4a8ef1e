package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/discord-voice-lab/voicemimic/internal/logging"
)

// Archive keeps a copy of each transcribed utterance as <stamp>-cid<id>.wav
// with a JSON sidecar describing it. A nil Archive is a no-op.
type Archive struct {
	Dir string
	// Locking takes an advisory flock on <sidecar>.lock while merging.
	Locking bool
}

func NewArchive(dir string) *Archive {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &Archive{Dir: dir}
}

// Save writes the wav and its sidecar. meta is merged into the sidecar.
func (a *Archive) Save(cid string, wav []byte, meta map[string]interface{}) (string, error) {
	if a == nil {
		return "", nil
	}
	base := fmt.Sprintf("%s-cid%s", time.Now().UTC().Format("20060102T150405.000"), cid)
	wavPath := filepath.Join(a.Dir, base+".wav")
	if err := SaveFileAtomic(wavPath, wav, 0o644); err != nil {
		return "", err
	}
	sc := map[string]interface{}{
		"correlation_id": cid,
		"wav_path":       wavPath,
		"saved_utc":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range meta {
		sc[k] = v
	}
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return "", err
	}
	jsonPath := filepath.Join(a.Dir, base+".json")
	if err := SaveFileAtomic(jsonPath, b, 0o644); err != nil {
		return "", err
	}
	logging.Debugw("archive: saved utterance", "path", wavPath, "correlation_id", cid)
	return jsonPath, nil
}

// FindByCID returns the sidecar path for cid or "" when none exists.
func (a *Archive) FindByCID(cid string) string {
	if a == nil || a.Dir == "" || cid == "" {
		return ""
	}
	files, err := os.ReadDir(a.Dir)
	if err != nil {
		logging.Warnw("archive: failed to list dir", "dir", a.Dir, "err", err)
		return ""
	}
	for _, fi := range files {
		name := fi.Name()
		if strings.HasSuffix(name, ".json") && strings.Contains(name, "cid"+cid) {
			return filepath.Join(a.Dir, name)
		}
	}
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(a.Dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			logging.Debugw("archive: failed to read sidecar while searching", "path", path, "err", err, "correlation_id", cid)
			continue
		}
		var sc map[string]interface{}
		if json.Unmarshal(b, &sc) == nil {
			if v, ok := sc["correlation_id"].(string); ok && v == cid {
				return path
			}
		}
	}
	return ""
}

// MergeUpdates folds updates into the sidecar for cid and rewrites it.
func (a *Archive) MergeUpdates(cid string, updates map[string]interface{}) error {
	if a == nil {
		return fmt.Errorf("archive not configured")
	}
	path := a.FindByCID(cid)
	if path == "" {
		return fmt.Errorf("sidecar not found for cid=%s (searched dir=%s)", cid, a.Dir)
	}
	if a.Locking {
		unlock, err := flock(path + ".lock")
		if err != nil {
			logging.Warnw("archive: failed to lock sidecar", "path", path, "err", err, "correlation_id", cid)
			return err
		}
		defer unlock()
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sidecar %s: %w", path, err)
	}
	var sc map[string]interface{}
	if err := json.Unmarshal(b, &sc); err != nil {
		return fmt.Errorf("invalid sidecar JSON %s: %w", path, err)
	}
	for k, v := range updates {
		sc[k] = v
	}
	nb, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar %s: %w", path, err)
	}
	if err := SaveFileAtomic(path, nb, 0o644); err != nil {
		return fmt.Errorf("write sidecar %s: %w", path, err)
	}
	logging.Debugw("archive: merged sidecar updates", "path", path, "correlation_id", cid)
	return nil
}

func flock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock file %s: %w", path, err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}
