package accounts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"paceq/internal/config"
	"paceq/pkg/logx"
)

// Source feeds the pool from a YAML/JSON file of account specs. The file is
// the system of record for which identities exist and whether they are
// usable; it is read and watched, never written (credential management is
// someone else's job).
type Source struct {
	path string
	pool *Pool
	log  logx.Logger
}

func NewSource(path string, pool *Pool, log logx.Logger) *Source {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Source{path: path, pool: pool, log: log}
}

// Load reads the file once and applies it to the pool.
func (s *Source) Load() error {
	specs, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	s.pool.Apply(specs)
	s.log.Info("accounts loaded", logx.String("path", s.path), logx.Int("count", len(specs)))
	return nil
}

// Watch blocks until ctx is done, re-applying the file whenever it changes.
// A parse failure keeps the previous account set.
func (s *Source) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	file := filepath.Base(s.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if err := s.Load(); err != nil {
				s.log.Warn("accounts reload failed; keeping previous set",
					logx.String("path", s.path), logx.Err(err))
			}
		})
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			s.log.Warn("accounts watch init failed", logx.Err(err), logx.String("dir", dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
				continue
			}
		}

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
						debounce()
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err != nil {
					s.log.Warn("accounts watch error", logx.Err(err), logx.String("dir", dir))
				}
			}
		}
		_ = w.Close()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

// LoadFile parses the account source file (strict YAML or JSON).
func LoadFile(path string) ([]Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var specs []Spec
	if err := config.DecodeFileStrict(path, b, &specs); err != nil {
		return nil, err
	}
	return specs, nil
}
