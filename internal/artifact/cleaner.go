package artifact

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/discord-voice-lab/voicemimic/internal/logging"
)

// StartArchiveCleaner periodically removes sidecar/wav pairs older than
// retention and keeps at most maxFiles pairs (0 disables the cap). Caller
// must call wg.Add(1) first; the goroutine calls wg.Done on exit.
func StartArchiveCleaner(ctx context.Context, wg *sync.WaitGroup, dir string, retention, interval time.Duration, maxFiles int) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := CleanArchive(dir, now.Add(-retention), maxFiles); n > 0 {
					logging.Debugw("archive: cleanup removed pairs", "dir", dir, "removed", n)
				}
			}
		}
	}()
}

type pair struct {
	jsonPath string
	wavPath  string
	mod      time.Time
}

// CleanArchive removes pairs modified before cutoff, then the oldest pairs
// beyond maxFiles. It returns the number of pairs removed.
func CleanArchive(dir string, cutoff time.Time, maxFiles int) int {
	files, err := os.ReadDir(dir)
	if err != nil {
		logging.Debugw("archive: cleanup readDir failed", "err", err)
		return 0
	}
	var pairs []pair
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(dir, name)
		st, err := os.Stat(jsonPath)
		if err != nil {
			continue
		}
		wavPath := strings.TrimSuffix(jsonPath, ".json") + ".wav"
		if b, err := os.ReadFile(jsonPath); err == nil {
			var sc map[string]interface{}
			if json.Unmarshal(b, &sc) == nil {
				if v, ok := sc["wav_path"].(string); ok && v != "" {
					wavPath = v
				}
			}
		}
		pairs = append(pairs, pair{jsonPath: jsonPath, wavPath: wavPath, mod: st.ModTime()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	removed := 0
	remove := func(p pair) {
		_ = os.Remove(p.jsonPath)
		_ = os.Remove(p.wavPath)
		_ = os.Remove(p.jsonPath + ".lock")
		removed++
	}
	var kept []pair
	for _, p := range pairs {
		if p.mod.Before(cutoff) {
			remove(p)
			continue
		}
		kept = append(kept, p)
	}
	if maxFiles > 0 && len(kept) > maxFiles {
		for _, p := range kept[:len(kept)-maxFiles] {
			remove(p)
		}
	}
	return removed
}

// StartTempCleaner periodically deletes regular files in dir whose
// modification time is older than maxAge. Caller must call wg.Add(1) first.
func StartTempCleaner(ctx context.Context, wg *sync.WaitGroup, dir string, maxAge, interval time.Duration) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := CleanOlderThan(dir, now.Add(-maxAge)); n > 0 {
					logging.Infow("temp cleanup removed files", "dir", dir, "removed", n)
				}
			}
		}
	}()
}

// CleanOlderThan removes regular files in dir modified before cutoff.
func CleanOlderThan(dir string, cutoff time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Debugw("temp cleanup readDir failed", "dir", dir, "err", err)
		return 0
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			logging.Debugw("temp cleanup remove failed", "file", e.Name(), "err", err)
			continue
		}
		removed++
	}
	return removed
}
