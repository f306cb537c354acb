package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/risunCode/downaria/internal/core/config"
	"github.com/risunCode/downaria/internal/server"
)

var (
	servePort      int
	serveOutputDir string
	serveAPIKey    string
	serveDaemon    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve [stop|status]",
	Short: "Start HTTP server for remote downloads",
	Long: `Start an HTTP server that accepts scrape and download requests via API.

Examples:
  downaria serve              # Start server on port 8080
  downaria serve -p 9000      # Start server on port 9000
  downaria serve -d           # Start server as background daemon
  downaria serve stop         # Stop the daemon
  downaria serve status       # Show daemon status

API Endpoints:
  GET    /api/health            # Health check
  POST   /api/scrape            # Resolve a URL to downloadable formats
  GET    /api/proxy             # Relay a CDN URL with platform headers
  POST   /api/download          # Queue a download
  GET    /api/status/:id        # Get job status
  GET    /api/jobs              # List all jobs
  DELETE /api/jobs/:id          # Cancel or remove a job`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) > 0 {
			switch args[0] {
			case "stop":
				if err := stopDaemon(); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				return
			case "status":
				if err := daemonStatus(); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				return
			}
		}

		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "HTTP listen port (default: 8080)")
	serveCmd.Flags().StringVarP(&serveOutputDir, "output", "o", "", "output directory for downloads")
	serveCmd.Flags().StringVar(&serveAPIKey, "api-key", "", "require X-API-Key on all requests")
	serveCmd.Flags().BoolVarP(&serveDaemon, "daemon", "d", false, "run as background daemon")

	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg := config.LoadOrDefault()

	// flag > config > default
	port := servePort
	if port == 0 {
		if cfg.Server.Port > 0 {
			port = cfg.Server.Port
		} else {
			port = 8080
		}
	}

	outputDir := serveOutputDir
	if outputDir == "" {
		outputDir = cfg.OutputDir
	}
	if outputDir == "" {
		outputDir = config.DefaultDownloadDir()
	}
	if len(outputDir) >= 2 && outputDir[:2] == "~/" {
		home, _ := os.UserHomeDir()
		outputDir = filepath.Join(home, outputDir[2:])
	}

	maxConcurrent := cfg.Server.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	apiKey := serveAPIKey
	if apiKey == "" {
		apiKey = cfg.Server.APIKey
	}

	if serveDaemon {
		return startDaemon(port, outputDir)
	}
	return runServer(port, outputDir, apiKey, maxConcurrent)
}

func runServer(port int, outputDir, apiKey string, maxConcurrent int) error {
	srv := server.NewServer(port, outputDir, apiKey, maxConcurrent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}()

	return srv.Start()
}

func startDaemon(port int, outputDir string) error {
	if pid := getDaemonPID(); pid > 0 {
		if processExists(pid) {
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		os.Remove(getPIDFilePath())
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := []string{"serve", "-p", strconv.Itoa(port), "-o", outputDir}

	logFile, err := os.OpenFile(getLogFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	if err := savePID(cmd.Process.Pid); err != nil {
		cmd.Process.Kill()
		logFile.Close()
		return fmt.Errorf("failed to save PID: %w", err)
	}

	fmt.Printf("downaria server started as daemon (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  Port: %d\n", port)
	fmt.Printf("  Output: %s\n", outputDir)
	fmt.Printf("  Log: %s\n", getLogFilePath())
	fmt.Printf("\nUse 'downaria serve stop' to stop the daemon\n")

	return nil
}

func stopDaemon() error {
	pid := getDaemonPID()
	if pid <= 0 {
		return fmt.Errorf("daemon is not running")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		os.Remove(getPIDFilePath())
		return fmt.Errorf("daemon process not found")
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(getPIDFilePath())
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	for i := 0; i < 30; i++ {
		if !processExists(pid) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	os.Remove(getPIDFilePath())
	fmt.Println("Daemon stopped")
	return nil
}

func daemonStatus() error {
	pid := getDaemonPID()
	if pid <= 0 {
		fmt.Println("Daemon is not running")
		return nil
	}

	if !processExists(pid) {
		os.Remove(getPIDFilePath())
		fmt.Println("Daemon is not running (stale PID file removed)")
		return nil
	}

	fmt.Printf("Daemon is running (PID %d)\n", pid)
	fmt.Printf("Log file: %s\n", getLogFilePath())
	return nil
}

func getPIDFilePath() string {
	configDir, err := config.ConfigDir()
	if err != nil {
		return "/tmp/downaria-serve.pid"
	}
	return filepath.Join(configDir, "serve.pid")
}

func getLogFilePath() string {
	configDir, err := config.ConfigDir()
	if err != nil {
		return "/tmp/downaria-serve.log"
	}
	return filepath.Join(configDir, "serve.log")
}

func savePID(pid int) error {
	pidFile := getPIDFilePath()
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return err
	}
	return os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0o644)
}

func getDaemonPID() int {
	data, err := os.ReadFile(getPIDFilePath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}

func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; probe with signal 0
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
