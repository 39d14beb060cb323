package gateway

import (
	"bufio"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Blocklist refuses outbound connections to unwanted hosts. Entries are one
// per line: an exact hostname, or "*.example.com" to match every subdomain.
// Lines starting with # and blank lines are skipped. Matching is
// case-insensitive.
type Blocklist struct {
	path string

	mu       sync.RWMutex
	exact    map[string]struct{}
	suffixes []string
}

func LoadBlocklist(path string) (*Blocklist, error) {
	bl := &Blocklist{path: path}
	if err := bl.reload(); err != nil {
		return nil, err
	}
	return bl, nil
}

func (bl *Blocklist) reload() error {
	f, err := os.Open(bl.path)
	if err != nil {
		return err
	}
	defer f.Close()

	exact := map[string]struct{}{}
	var suffixes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "*.") {
			suffixes = append(suffixes, line[1:]) // keep the leading dot
		} else {
			exact[line] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	bl.mu.Lock()
	bl.exact = exact
	bl.suffixes = suffixes
	bl.mu.Unlock()
	log.WithField("path", bl.path).Infof("blocklist loaded: %v exact entries, %v wildcards", len(exact), len(suffixes))
	return nil
}

func (bl *Blocklist) Blocked(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	if _, ok := bl.exact[host]; ok {
		return true
	}
	for _, suffix := range bl.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// Watch reloads the blocklist whenever the file changes, until the watcher
// fails. Meant to be run in its own goroutine.
func (bl *Blocklist) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(bl.path); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := bl.reload(); err != nil {
				log.WithField("path", bl.path).Errorf("failed to reload blocklist: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithField("path", bl.path).Errorf("blocklist watcher: %v", err)
		}
	}
}
