package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/saharasol/relief/distributor/pkg/ledger"
	"github.com/saharasol/relief/distributor/pkg/metrics"
	"github.com/saharasol/relief/distributor/pkg/scheduler"
	"github.com/saharasol/relief/distributor/pkg/server"
	"github.com/saharasol/relief/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = "0.0.0.0:8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "Enable pprof server")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for HTTP requests (or set LISTEN_ADDR env var)")
	rpcURLFlag := flag.String("rpc-url", solanarpc.DevNet_RPC, "Solana RPC endpoint (or set RPC_URL env var)")
	programIDFlag := flag.String("program-id", "", "Relief program ID (or set PROGRAM_ID env var)")
	keypairFlag := flag.String("keypair", "", "Path to the distribution authority keypair file (or set KEYPAIR_PATH env var)")
	batchSizeFlag := flag.Int("batch-size", scheduler.DefaultBatchSize, "Distribute instructions per transaction (or set BATCH_SIZE env var)")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for in-flight requests during graceful shutdown")

	flag.Parse()

	// Optional local overrides; absence is fine.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("RPC_URL"); env != "" {
		*rpcURLFlag = env
	}
	if env := os.Getenv("PROGRAM_ID"); env != "" {
		*programIDFlag = env
	}
	if env := os.Getenv("KEYPAIR_PATH"); env != "" {
		*keypairFlag = env
	}
	if env := os.Getenv("BATCH_SIZE"); env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			return fmt.Errorf("invalid BATCH_SIZE %q: %w", env, err)
		}
		*batchSizeFlag = n
	}

	if *programIDFlag == "" {
		return fmt.Errorf("--program-id is required")
	}
	programID, err := solana.PublicKeyFromBase58(*programIDFlag)
	if err != nil {
		return fmt.Errorf("invalid program id %q: %w", *programIDFlag, err)
	}
	if *keypairFlag == "" {
		return fmt.Errorf("--keypair is required")
	}
	authority, err := solana.PrivateKeyFromSolanaKeygenFile(*keypairFlag)
	if err != nil {
		return fmt.Errorf("failed to load authority keypair: %w", err)
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		env := os.Getenv("SENTRY_ENVIRONMENT")
		if env == "" {
			env = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: env,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	gateway, err := ledger.NewClient(ledger.Config{
		Logger:    log,
		RPC:       solanarpc.New(*rpcURLFlag),
		Authority: authority,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}

	engine, err := scheduler.New(scheduler.Config{
		Logger:    log,
		Gateway:   gateway,
		ProgramID: programID,
		BatchSize: *batchSizeFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:         log,
		Engine:         engine,
		ListenAddr:     *listenAddrFlag,
		AllowedOrigins: *allowedOriginsFlag,
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("relief distributor starting",
		"version", version,
		"listen_addr", *listenAddrFlag,
		"rpc_url", *rpcURLFlag,
		"program_id", programID.String(),
		"authority", authority.PublicKey().String(),
		"batch_size", *batchSizeFlag)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, draining in-flight requests", "timeout", *shutdownTimeoutFlag)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
