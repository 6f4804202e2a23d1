// Package prof writes pprof profiles for one run of a command.
//
// A Session starts CPU profiling when created and writes the requested
// point-in-time profiles (heap, goroutine, block, mutex, ...) when stopped:
//
//	s, err := prof.Start(prof.Config{CPU: "cpu.out", Heap: "heap.out"})
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// Only one Session may profile the CPU at a time.
package prof

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// ErrCPUProfileActive indicates CPU profiling is already running.
var ErrCPUProfileActive = errors.New("cpu profile already active")

// Config names the output file of each profile. Empty paths are skipped.
type Config struct {
	CPU       string
	Heap      string
	Goroutine string
	Block     string // enables block profiling for the session
	Mutex     string // enables mutex profiling for the session
}

// Session is a running set of profiles.
type Session struct {
	cfg Config
	cpu *os.File

	once sync.Once
	err  error
}

var cpuMu sync.Mutex

// Start begins the profiles named in cfg.
func Start(cfg Config) (*Session, error) {
	s := &Session{cfg: cfg}
	if cfg.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	if cfg.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}
	if cfg.CPU == "" {
		return s, nil
	}

	if !cpuMu.TryLock() {
		return nil, ErrCPUProfileActive
	}
	f, err := os.Create(cfg.CPU)
	if err != nil {
		cpuMu.Unlock()
		return nil, fmt.Errorf("cpu profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		cpuMu.Unlock()
		return nil, fmt.Errorf("cpu profile: %w", err)
	}
	s.cpu = f
	return s, nil
}

// Stop ends CPU profiling and writes the remaining profiles. Calling it
// again returns the first result.
func (s *Session) Stop() error {
	s.once.Do(func() { s.err = s.stop() })
	return s.err
}

func (s *Session) stop() error {
	var merr *multierror.Error
	if s.cpu != nil {
		pprof.StopCPUProfile()
		if err := s.cpu.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("cpu profile: %w", err))
		}
		cpuMu.Unlock()
	}

	for _, p := range []struct{ name, path string }{
		{"heap", s.cfg.Heap},
		{"goroutine", s.cfg.Goroutine},
		{"block", s.cfg.Block},
		{"mutex", s.cfg.Mutex},
	} {
		if p.path == "" {
			continue
		}
		if p.name == "heap" {
			runtime.GC()
		}
		if err := write(p.name, p.path); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	if s.cfg.Block != "" {
		runtime.SetBlockProfileRate(0)
	}
	if s.cfg.Mutex != "" {
		runtime.SetMutexProfileFraction(0)
	}
	return merr.ErrorOrNil()
}

func write(name, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%s profile: %w", name, err)
	}
	if err := pprof.Lookup(name).WriteTo(f, 0); err != nil {
		_ = f.Close()
		return fmt.Errorf("%s profile: %w", name, err)
	}
	return f.Close()
}
