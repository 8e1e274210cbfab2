package lock

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// held tracks file locks owned by this process for exit-time cleanup.
var held sync.Map // map[*FileLock]struct{}

func register(l *FileLock)   { held.Store(l, struct{}{}) }
func unregister(l *FileLock) { held.Delete(l) }

// ReleaseAll releases every file lock this process still holds.
func ReleaseAll() {
	held.Range(func(key, _ any) bool {
		if l, ok := key.(*FileLock); ok {
			_ = l.Release()
		}
		return true
	})
}

// InstallExitHandler releases held file locks when the process receives
// SIGINT or SIGTERM, then exits with the conventional status. The returned
// func stops the handler.
func InstallExitHandler() func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			ReleaseAll()
			code := 130
			if sig == syscall.SIGTERM {
				code = 143
			}
			os.Exit(code)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
		ReleaseAll()
	}
}
