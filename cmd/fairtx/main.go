package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fairtx/api"
	"fairtx/protocol"
	"fairtx/salt"
	"fairtx/shared"
	"fairtx/submission"
	"fairtx/submission/evm"
	"fairtx/submission/simulated"
)

const usage = `usage:
  fairtx submit <input>       run one commit-reveal session
  fairtx reveal <ticket.json> retry the reveal of a stranded commitment
  fairtx serve                run the HTTP and websocket API
  fairtx token <subject>      mint an API bearer token`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	logger, err := shared.NewLoggerFromEnv("fairtx")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	config, err := LoadConfig()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd := os.Args[1]; cmd {
	case "submit":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		err = runSubmit(ctx, config, logger, os.Args[2])
	case "reveal":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		err = runReveal(ctx, config, logger, os.Args[2])
	case "serve":
		err = runServe(ctx, config, logger)
	case "token":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		err = runToken(config, os.Args[2])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("Command failed", zap.String("command", os.Args[1]), zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

type ledger struct {
	port    submission.Port
	heights submission.HeightSource
	// sender is the address commitments are recorded under
	sender string
	close  func()
}

func openLedger(ctx context.Context, config *Config, logger *shared.Logger) (*ledger, error) {
	switch config.Ledger {
	case ledgerEVM:
		client, err := evm.Dial(ctx, config.RPCURL)
		if err != nil {
			return nil, err
		}
		signer, sender, err := evm.NewKeyedSigner(config.SignerKey, config.ChainID)
		if err != nil {
			client.Close()
			return nil, err
		}
		submitter, err := evm.NewSubmitter(client, evm.ContractConfig{
			Address: config.ContractAddress,
			ChainID: config.ChainID,
		}, signer, evm.WithLogger(logger))
		if err != nil {
			client.Close()
			return nil, err
		}
		logger.Info("Connected to EVM ledger",
			zap.String("rpc_url", config.RPCURL),
			zap.String("contract", config.ContractAddress.Hex()),
			zap.String("sender", sender.Hex()))
		return &ledger{port: submitter, heights: submitter, sender: sender.Hex(), close: client.Close}, nil

	default:
		sim, err := simulated.NewLedger(simulated.Config{
			Sender:              config.SimulatedSender,
			FinalizationLatency: config.SimulatedDelay,
		})
		if err != nil {
			return nil, err
		}
		logger.Warn("Using the in-memory simulated ledger", zap.String("sender", config.SimulatedSender.Hex()))
		return &ledger{port: sim, heights: sim, sender: config.SimulatedSender.Hex(), close: func() {}}, nil
	}
}

func newEngine(config *Config, l *ledger, logger *shared.Logger, observers ...protocol.Observer) (*protocol.Engine, error) {
	pc := config.Protocol
	if pc.Identity == "" && pc.SaltMode == salt.Deterministic {
		pc.Identity = l.sender
	}

	opts := []protocol.Option{protocol.WithLogger(logger), protocol.WithObserver(observers...)}
	if config.RevealPolicy == policyDepth {
		opts = append(opts, protocol.WithReadiness(protocol.ConfirmationDepth{
			Heights:      l.heights,
			Depth:        config.ConfirmationDepth,
			PollInterval: config.DepthPollInterval,
			MaxWait:      config.DepthMaxWait,
		}))
	}
	return protocol.New(pc, l.port, opts...)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func runSubmit(ctx context.Context, config *Config, logger *shared.Logger, input string) error {
	l, err := openLedger(ctx, config, logger)
	if err != nil {
		return err
	}
	defer l.close()

	progress := protocol.ObserverFunc(func(ev protocol.Event) {
		if ev.Kind == protocol.EventPhaseEntered {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Time.Format(time.TimeOnly), ev.Phase)
		}
	})
	engine, err := newEngine(config, l, logger, progress)
	if err != nil {
		return err
	}

	res, err := engine.SubmitProtectedTx(ctx, input)
	printJSON(res)
	if ticket, ok := res.RevealTicket(); ok {
		fmt.Fprintln(os.Stderr, "The commitment is on the ledger; keep this ticket and run `fairtx reveal` with it:")
		enc := json.NewEncoder(os.Stderr)
		enc.Encode(ticket)
	}
	return err
}

func runReveal(ctx context.Context, config *Config, logger *shared.Logger, ticketPath string) error {
	data, err := os.ReadFile(ticketPath)
	if err != nil {
		return fmt.Errorf("failed to read ticket: %w", err)
	}
	var ticket protocol.RevealTicket
	if err := json.Unmarshal(data, &ticket); err != nil {
		return fmt.Errorf("failed to parse ticket: %w", err)
	}

	l, err := openLedger(ctx, config, logger)
	if err != nil {
		return err
	}
	defer l.close()

	engine, err := newEngine(config, l, logger)
	if err != nil {
		return err
	}
	res, err := engine.RetryReveal(ctx, ticket)
	printJSON(res)
	return err
}

func runServe(ctx context.Context, config *Config, logger *shared.Logger) error {
	l, err := openLedger(ctx, config, logger)
	if err != nil {
		return err
	}
	defer l.close()

	store := api.NewStore(config.ResultTTL)
	hub := api.NewHub(logger)
	engine, err := newEngine(config, l, logger, store, hub)
	if err != nil {
		return err
	}
	server, err := api.NewServer(engine, store, hub, api.Config{
		JWTSecret: []byte(config.JWTSecret),
	}, logger)
	if err != nil {
		return err
	}
	if config.JWTSecret == "" {
		logger.Security("API authentication disabled, FAIRTX_JWT_SECRET is empty")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(config.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

func runToken(config *Config, subject string) error {
	token, err := api.IssueToken([]byte(config.JWTSecret), subject, 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
