package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// App is a long running command driven by process signals.
type App interface {
	Run() error
	UsageError() bool
	Hup() bool
	Quit()
}

// Run runs a until it returns, stopping it on SIGINT or SIGTERM.
// It returns the process exit code: 2 on usage errors, 1 on other errors.
func Run(a App) int {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	return run(a, c)
}

func run(a App, signals chan os.Signal) int {
	defer handleSignals(a, signals)()

	if err := a.Run(); err != nil {
		slog.Error(err.Error())

		if a.UsageError() {
			return 2
		}
		return 1
	}

	return 0
}

// handleSignals forwards signals to a until the returned function is called.
func handleSignals(a App, signals chan os.Signal) (stop func()) {
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			switch v, ok := <-signals; v {
			case syscall.SIGINT, syscall.SIGTERM:
				slog.Info("Stopping", "signal", v.String())
				a.Quit()
				return
			case syscall.SIGHUP:
				if a.Hup() {
					slog.Info("Stopping after hangup")
					a.Quit()
					return
				}
			default:
				if !ok {
					slog.Debug("Signal channel closed")
					return
				}
			}
		}
	}()

	return func() {
		signal.Stop(signals)
		close(signals)
		wg.Wait()
	}
}
