// Command river-runner runs the Runner Agent: it
// registers with the Host, answers the Host's dispatch RPCs by driving
// pkg/containerrt/pkg/vmbackend, and reports liveness and task status
// back over periodic heartbeats.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/riverd/river/pkg/log"
	"github.com/riverd/river/pkg/runner"
	"github.com/riverd/river/pkg/security"
	"github.com/riverd/river/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "river-runner",
	Short:   "River Runner Agent",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("river-runner %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Register with the Host and start serving dispatch RPCs",
	RunE: func(cmd *cobra.Command, args []string) error {
		hostname, _ := cmd.Flags().GetString("hostname")
		hostAddr, _ := cmd.Flags().GetString("host-addr")
		listenAddr, _ := cmd.Flags().GetString("listen-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
		envImageDir, _ := cmd.Flags().GetString("env-image-dir")
		heartbeatInterval, _ := cmd.Flags().GetDuration("heartbeat-interval")
		cores, _ := cmd.Flags().GetInt("cpu")
		memoryGB, _ := cmd.Flags().GetInt("memory")
		vmCapable, _ := cmd.Flags().GetBool("vm-capable")
		certDir, _ := cmd.Flags().GetString("cert-dir")

		logger := log.WithComponent("river-runner")

		hc := &http.Client{Timeout: 30 * time.Second}
		var serverTLS *http.Server
		if certDir != "" {
			if !security.CertExists(certDir) {
				return fmt.Errorf("cert-dir %s does not contain a complete node.crt/node.key/ca.crt set (issue one with \"river-host cert issue\")", certDir)
			}
			nodeCert, err := security.LoadCertFromFile(certDir)
			if err != nil {
				return fmt.Errorf("load node certificate: %w", err)
			}
			caCert, err := security.LoadCACertFromFile(certDir)
			if err != nil {
				return fmt.Errorf("load CA certificate: %w", err)
			}
			ca, err := security.NewVerifierCA(caCert.Raw)
			if err != nil {
				return fmt.Errorf("build verifier CA: %w", err)
			}
			hc.Transport = &http.Transport{TLSClientConfig: security.BuildClientTLSConfig(nodeCert, ca)}
			serverTLS = &http.Server{TLSConfig: security.BuildServerTLSConfig(nodeCert, ca)}
		}

		cfg := runner.Config{
			Hostname:          hostname,
			HostAddr:          hostAddr,
			ListenAddr:        listenAddr,
			DataDir:           dataDir,
			ContainerdSocket:  containerdSocket,
			EnvImageDir:       envImageDir,
			HeartbeatInterval: heartbeatInterval,
			Capacity: types.NodeCapacity{
				Cores:       cores,
				MemoryBytes: int64(memoryGB) * 1024 * 1024 * 1024,
			},
			RunnerVersion: Version,
			VMCapable:     vmCapable,
		}

		r, err := runner.New(cfg, hc)
		if err != nil {
			return fmt.Errorf("build runner: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		logger.Info().Str("hostname", hostname).Str("host_addr", hostAddr).Msg("registering with host")
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("start runner: %w", err)
		}

		httpServer := &http.Server{Addr: listenAddr, Handler: r}
		if serverTLS != nil {
			httpServer.TLSConfig = serverTLS.TLSConfig
		}

		errCh := make(chan error, 1)
		go func() {
			var err error
			if httpServer.TLSConfig != nil {
				err = httpServer.ListenAndServeTLS("", "")
			} else {
				err = httpServer.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			return fmt.Errorf("serve: %w", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http server shutdown")
		}
		return r.Stop()
	},
}

func init() {
	startCmd.Flags().String("hostname", "", "This runner's unique hostname (required)")
	startCmd.Flags().String("host-addr", "127.0.0.1:8080", "Host's HTTP API address")
	startCmd.Flags().String("listen-addr", "0.0.0.0:9090", "This runner's own HTTP listen address")
	startCmd.Flags().String("data-dir", "/var/lib/river-runner", "Data directory for the in-flight task set")
	startCmd.Flags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path")
	startCmd.Flags().String("env-image-dir", "", "Shared-storage directory of named environment tarballs")
	startCmd.Flags().Duration("heartbeat-interval", 5*time.Second, "Heartbeat interval")
	startCmd.Flags().Int("cpu", 4, "Declared CPU core capacity")
	startCmd.Flags().Int("memory", 8, "Declared memory capacity in GB")
	startCmd.Flags().Bool("vm-capable", false, "Enable the Lima-backed VM backend for VPS tasks")
	startCmd.Flags().String("cert-dir", "", "Directory containing node.crt/node.key/ca.crt for mTLS (see \"river-host cert issue\")")
	startCmd.MarkFlagRequired("hostname")
}
