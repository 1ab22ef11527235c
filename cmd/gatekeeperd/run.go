package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gatekeeper-io/gatekeeper/internal/brand"
	"github.com/gatekeeper-io/gatekeeper/internal/config"
	"github.com/gatekeeper-io/gatekeeper/internal/ctlclient"
	"github.com/gatekeeper-io/gatekeeper/internal/ctlserver"
	"github.com/gatekeeper-io/gatekeeper/internal/driver"
	"github.com/gatekeeper-io/gatekeeper/internal/driver/mock"
	"github.com/gatekeeper-io/gatekeeper/internal/driver/nftcli"
	"github.com/gatekeeper-io/gatekeeper/internal/driver/nftnative"
	"github.com/gatekeeper-io/gatekeeper/internal/logging"
)

func pidFilePath() string {
	return filepath.Join(brand.GetRunDir(), brand.LowerName+".pid")
}

// selectDriver instantiates the backend cfg.Driver names, grounded on the
// teacher's pluggable firewall backend selection.
func selectDriver(cfg *config.Config) (driver.Driver, error) {
	switch cfg.Driver {
	case "", "nftcli":
		return nftcli.New(), nil
	case "nftnative":
		return nftnative.New()
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("gatekeeperd: unknown driver backend %q", cfg.Driver)
	}
}

// RunForeground starts the daemon in the calling process and blocks until a
// termination signal arrives or the server fails.
func RunForeground(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("gatekeeperd: load config: %w", err)
	}

	logLevel := logging.LevelInfo
	logJSON := false
	var syslogWriter *logging.SyslogWriter
	if cfg.Logging != nil {
		if cfg.Logging.JSON {
			logJSON = true
		}
		switch cfg.Logging.Level {
		case "debug":
			logLevel = logging.LevelDebug
		case "warn":
			logLevel = logging.LevelWarn
		case "error":
			logLevel = logging.LevelError
		}
		if cfg.Logging.Syslog {
			syslogCfg := logging.DefaultSyslogConfig()
			syslogCfg.Enabled = true
			syslogCfg.Host = cfg.Logging.SyslogHost
			if syslogCfg.Host == "" {
				syslogCfg.Host = "127.0.0.1"
			}
			if cfg.Logging.SyslogPort != 0 {
				syslogCfg.Port = cfg.Logging.SyslogPort
			}
			if cfg.Logging.SyslogProtocol != "" {
				syslogCfg.Protocol = cfg.Logging.SyslogProtocol
			}
			syslogCfg.Tag = brand.LowerName
			syslogWriter, err = logging.NewSyslogWriter(syslogCfg)
			if err != nil {
				return fmt.Errorf("gatekeeperd: connect syslog: %w", err)
			}
			defer syslogWriter.Close()
		}
	}

	logOutput := io.Writer(os.Stderr)
	if syslogWriter != nil {
		logOutput = logging.MultiWriter(os.Stderr, syslogWriter)
	}
	logger := logging.New(logging.Config{Level: logLevel, JSON: logJSON, Output: logOutput})
	logging.SetDefault(logger)

	drv, err := selectDriver(cfg)
	if err != nil {
		return err
	}

	srv := ctlserver.NewServer(drv, logger)
	if _, err := srv.Reload(cfg); err != nil {
		return fmt.Errorf("gatekeeperd: reload: %w", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		return fmt.Errorf("gatekeeperd: start: %w", err)
	}
	logger.Info("gatekeeperd started", "version", brand.Version)

	if err := writePIDFile(); err != nil {
		logger.Warn("failed to write pid file", "err", err)
	}
	defer os.Remove(pidFilePath())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				logger.Warn("reload failed to load config", "err", err)
				continue
			}
			if _, err := srv.Reload(cfg); err != nil {
				logger.Warn("reload failed", "err", err)
			} else {
				logger.Info("configuration reloaded")
			}
			continue
		}

		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := srv.Stop(ctx)
		cancel()
		return err
	}
	return nil
}

// RunBackground daemonizes by re-exec'ing itself with `start --foreground`,
// mirroring the teacher's fork-and-detach approach in cmd/start.go.
func RunBackground(configFile string) error {
	if _, err := os.Stat(configFile); err != nil {
		return fmt.Errorf("gatekeeperd: config file not found: %s", configFile)
	}

	if pid, alive := readAlivePID(); alive {
		return fmt.Errorf("gatekeeperd: already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("gatekeeperd: locate executable: %w", err)
	}

	logDir := brand.GetLogDir()
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("gatekeeperd: create log dir: %w", err)
	}
	logPath := filepath.Join(logDir, brand.LowerName+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("gatekeeperd: open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, "start", "--foreground", "--config", configFile)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("gatekeeperd: fork daemon: %w", err)
	}

	fmt.Printf("Started %s (pid %d)\n", brand.Name, cmd.Process.Pid)
	fmt.Printf("Logs: %s\n", logPath)
	return nil
}

// RunStop signals the daemon named in the pid file to shut down.
func RunStop() error {
	pid, alive := readAlivePID()
	if !alive {
		return errors.New("gatekeeperd: no running daemon found")
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("gatekeeperd: find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("gatekeeperd: signal process %d: %w", pid, err)
	}
	fmt.Printf("Sent stop signal to %s (pid %d)\n", brand.Name, pid)
	return nil
}

// RunStatus dials the running daemon over its own wire protocol and prints
// the reply, mirroring the teacher's ctlplane status query but speaking the
// gatekeeper's own protocol instead of net/rpc.
func RunStatus() error {
	cfg, err := config.LoadFile(brand.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("gatekeeperd: load config: %w", err)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.ListenPort)
	c, err := ctlclient.Dial(addr, []byte(cfg.AccessKey), cfg.Secure)
	if err != nil {
		return fmt.Errorf("gatekeeperd: connect to daemon at %s: %w", addr, err)
	}
	defer c.Close()

	status, err := c.Status()
	if err != nil {
		return fmt.Errorf("gatekeeperd: query status: %w", err)
	}
	fmt.Println(status)
	return nil
}

func writePIDFile() error {
	runDir := brand.GetRunDir()
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// readAlivePID reads the pid file and confirms the process still exists,
// mirroring the teacher's stale-pid-file cleanup in cmd/start.go.
func readAlivePID() (int, bool) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidFilePath())
		return 0, false
	}
	return pid, true
}
