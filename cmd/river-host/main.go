// Command river-host runs the Host process: the Status
// Authority, Scheduler, Liveness Monitor, Dispatcher, IP Reservation
// Manager, Overlay Allocator, Approval Gate, and the net/http+JSON API
// both clients and Runner Agents talk to, all backed by one durable
// Raft+bbolt store.
package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/riverd/river/pkg/approval"
	"github.com/riverd/river/pkg/config"
	"github.com/riverd/river/pkg/dispatch"
	"github.com/riverd/river/pkg/events"
	"github.com/riverd/river/pkg/ipreserve"
	"github.com/riverd/river/pkg/liveness"
	"github.com/riverd/river/pkg/log"
	"github.com/riverd/river/pkg/overlay"
	"github.com/riverd/river/pkg/scheduler"
	"github.com/riverd/river/pkg/security"
	"github.com/riverd/river/pkg/statemachine"
	"github.com/riverd/river/pkg/store"
	"github.com/riverd/river/pkg/transport"
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
	Use:     "river-host",
	Short:   "River Host: the cluster control plane",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("river-host %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("config", "", "Path to river.yaml")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(certCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// setClusterKey derives the CA's root-key-at-rest encryption key
// from clusterID, so every Host in a cluster that shares the same
// cluster ID derives the same at-rest key without exchanging it directly.
func setClusterKey(clusterID string) error {
	sum := sha256.Sum256([]byte(clusterID))
	return security.SetClusterEncryptionKey(sum[:])
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Host",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		nodeID, _ := cmd.Flags().GetString("node-id")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		clusterID, _ := cmd.Flags().GetString("cluster-id")
		insecure, _ := cmd.Flags().GetBool("insecure")
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}

		logger := log.WithComponent("river-host")
		logger.Info().Str("node_id", nodeID).Str("api_addr", apiAddr).Msg("starting river-host")

		st, err := store.Open(store.RaftConfig{NodeID: nodeID, BindAddr: cfg.BindAddr, DataDir: cfg.DataDir})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		authority := statemachine.New(st, broker)

		sched := scheduler.New(st, authority, cfg.SchedulerInterval)
		sched.Start()
		defer sched.Stop()

		mon := liveness.New(st, authority, cfg.CleanupInterval, cfg.HeartbeatTimeout())
		mon.Start()
		defer mon.Stop()

		var ov *overlay.Allocator
		if cfg.OverlayEnabled {
			base, prefix, nodeBits, subnetBits, err := cfg.OverlaySubnetParts()
			if err != nil {
				return err
			}
			ov, err = overlay.New(overlay.Config{
				Base: base, Prefix: prefix, NodeBits: nodeBits, SubnetBits: subnetBits,
				BaseVNI: cfg.OverlayBaseVNI,
			}, st)
			if err != nil {
				return fmt.Errorf("init overlay allocator: %w", err)
			}
		}

		secret, err := ipreserve.GenerateSecret()
		if err != nil {
			return fmt.Errorf("generate reservation secret: %w", err)
		}
		reserve := ipreserve.New(secret, st)
		reserve.Start()
		defer reserve.Stop()

		gate := approval.New(authority, cfg.AuthEnabled)

		runnerClient := transport.NewRunnerHTTPClient(nil)
		dispatcher := dispatch.New(st, authority, runnerClient, cfg.SuspicionThreshold)
		dispatchStop := make(chan struct{})
		go runDispatchLoop(dispatcher, st, cfg.SchedulerInterval, dispatchStop)
		defer close(dispatchStop)

		server := transport.NewServer(st, authority, mon, ov, reserve, gate)

		httpServer := &http.Server{Addr: apiAddr, Handler: server}

		if !insecure {
			if err := setClusterKey(clusterID); err != nil {
				return err
			}
			ca := security.NewCertAuthority(st)
			if err := ca.LoadFromStore(); err != nil {
				logger.Info().Msg("no existing CA found, initializing a new one")
				if err := ca.Initialize(); err != nil {
					return fmt.Errorf("initialize CA: %w", err)
				}
				if err := ca.SaveToStore(); err != nil {
					return fmt.Errorf("save CA: %w", err)
				}
			}
			host, _, err := net.SplitHostPort(apiAddr)
			if err != nil {
				host = apiAddr
			}
			dnsNames := []string{nodeID}
			var ips []net.IP
			if ip := net.ParseIP(host); ip != nil {
				ips = append(ips, ip)
			} else if host != "" {
				dnsNames = append(dnsNames, host)
			}
			hostCert, err := ca.IssueNodeCertificate(nodeID, "host", dnsNames, ips)
			if err != nil {
				return fmt.Errorf("issue host certificate: %w", err)
			}
			httpServer.TLSConfig = security.BuildServerTLSConfig(hostCert, ca)
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

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	},
}

// runDispatchLoop drives one suspicion-protocol tick per sweep for
// every ASSIGNING task. Scheduler.RunOnce only moves a task's status
// to ASSIGNING; it does not itself talk to runners (pkg/scheduler has
// no RunnerClient), so the Host binary is what bridges "scheduled" to
// "dispatched". CheckAssignment is re-invoked on every sweep rather
// than once per task: a task whose first RPC failed needs its
// suspicion counter to keep climbing on later sweeps (not get stuck at
// 1), and a task whose RPC succeeded but never got a RUNNING ack needs
// to start accruing suspicion once the health-check period elapses.
// CheckAssignment itself is idempotent for an already-acked task,
// since Start clears DispatchedAt and the task leaves ASSIGNING.
func runDispatchLoop(d *dispatch.Dispatcher, st *store.RaftStore, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := log.WithComponent("dispatch-loop")

	for {
		select {
		case <-ticker.C:
			tasks, err := st.ListTasksByStatus(types.StatusAssigning)
			if err != nil {
				logger.Error().Err(err).Msg("list assigning tasks")
				continue
			}
			for _, task := range tasks {
				node, err := st.GetNode(task.AssignedNode)
				if err != nil {
					logger.Warn().Int64("task_id", task.ID).Str("node", task.AssignedNode).Err(err).Msg("assigned node not found")
					continue
				}
				if err := d.CheckAssignment(task, node.Address); err != nil {
					logger.Warn().Int64("task_id", task.ID).Err(err).Msg("dispatch check failed")
				}
			}
		case <-stop:
			return
		}
	}
}

func init() {
	startCmd.Flags().String("node-id", "host-1", "Unique node ID (also the Raft ID)")
	startCmd.Flags().String("api-addr", "0.0.0.0:8080", "HTTP API listen address")
	startCmd.Flags().String("data-dir", "", "Data directory (overrides config file)")
	startCmd.Flags().String("cluster-id", "river", "Cluster identifier used to derive the CA's at-rest encryption key")
	startCmd.Flags().Bool("insecure", false, "Disable mTLS and serve plain HTTP (testing only)")
}

// cert issues node certificates from an already-initialized Host CA, so
// an operator can provision a Runner Agent's cert/key/ca.crt files out
// of band before the runner's first start (§6.6; river-runner's
// --cert-dir flag loads what this writes).
var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Certificate authority operations",
}

var certIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a node certificate from the Host's CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}
		nodeID, _ := cmd.Flags().GetString("node-id")
		raftAddr, _ := cmd.Flags().GetString("raft-addr")
		role, _ := cmd.Flags().GetString("role")
		id, _ := cmd.Flags().GetString("id")
		outDir, _ := cmd.Flags().GetString("out")
		clusterID, _ := cmd.Flags().GetString("cluster-id")

		if role != "host" && role != "runner" {
			return fmt.Errorf("role must be \"host\" or \"runner\", got %q", role)
		}
		if err := setClusterKey(clusterID); err != nil {
			return err
		}

		st, err := store.Open(store.RaftConfig{NodeID: nodeID, BindAddr: raftAddr, DataDir: cfg.DataDir})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		ca := security.NewCertAuthority(st)
		if err := ca.LoadFromStore(); err != nil {
			return fmt.Errorf("load CA (has the Host been started at least once?): %w", err)
		}

		cert, err := ca.IssueNodeCertificate(id, role, []string{id}, nil)
		if err != nil {
			return fmt.Errorf("issue certificate: %w", err)
		}
		if err := security.SaveCertToFile(cert, outDir); err != nil {
			return fmt.Errorf("save certificate: %w", err)
		}
		if err := security.SaveCACertToFile(ca.RootCACert(), outDir); err != nil {
			return fmt.Errorf("save CA certificate: %w", err)
		}

		fmt.Printf("issued %s certificate for %q into %s\n", role, id, outDir)
		return nil
	},
}

func init() {
	certCmd.AddCommand(certIssueCmd)
	certIssueCmd.Flags().String("node-id", "host-1", "Host's node ID (must match the running Host)")
	certIssueCmd.Flags().String("raft-addr", "127.0.0.1:0", "Raft bind address for this short-lived store handle")
	certIssueCmd.Flags().String("data-dir", "", "Host's data directory (overrides config file)")
	certIssueCmd.Flags().String("cluster-id", "river", "Cluster identifier used to derive the CA's at-rest encryption key")
	certIssueCmd.Flags().String("role", "runner", "Role to issue for: host or runner")
	certIssueCmd.Flags().String("id", "", "Identity (hostname) the certificate is issued for")
	certIssueCmd.Flags().String("out", "", "Output directory for node.crt/node.key/ca.crt")
}
