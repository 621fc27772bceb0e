package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/invoice-intake/internal/auth"
	"github.com/zombor/invoice-intake/internal/capture"
	"github.com/zombor/invoice-intake/internal/extraction"
	"github.com/zombor/invoice-intake/internal/intake"
	"github.com/zombor/invoice-intake/internal/ledger"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// .env is optional; real environment variables win
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded .env file")
	}

	fs := ff.NewFlagSet("invoice-intake")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		storagePath   = fs.StringLong("storage", "./staged", "Directory for staged file bytes")
		extractorType = fs.StringLong("extractor", "remote", "Extractor: 'remote', 'gemini' or 'ollama'")
		extractionURL = fs.StringLong("extraction-url", "http://localhost:8000", "Remote extraction service base URL")
		defaultModel  = fs.StringLong("model", "yolo8", "Default extraction model")
		extractTO     = fs.DurationLong("extraction-timeout", intake.DefaultExtractionTimeout, "Timeout for one extraction")
		concurrency   = fs.IntLong("concurrency", intake.DefaultConcurrency, "Parallel extractions for extract-all")
		collision     = fs.StringLong("on-duplicate", "replace", "Duplicate file name policy: 'replace' or 'reject'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name")
		ledgerURL     = fs.StringLong("ledger-url", "http://localhost:8081", "Invoice ledger base URL")
		credsPath     = fs.StringLong("credentials-db", "invoice-intake.db", "File for remembered ledger credentials")
		ledgerUser    = fs.StringLong("ledger-user", "", "Ledger username to log in with at startup")
		ledgerPass    = fs.StringLong("ledger-pass", "", "Ledger password")
		remember      = fs.BoolLong("remember", "Keep ledger credentials across restarts")
		group         = fs.StringLong("group", "", "Initial ledger group")
		scannerDir    = fs.StringLong("scanner-dir", "", "Root of scanner drop folders used as capture devices (optional)")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_INTAKE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var policy intake.CollisionPolicy
	switch *collision {
	case "replace":
		policy = intake.CollisionReplace
	case "reject":
		policy = intake.CollisionReject
	default:
		slog.Error("Invalid duplicate policy", "value", *collision, "valid", "replace or reject")
		os.Exit(1)
	}

	// Initialize extractor based on type
	var (
		extractor extraction.Extractor
		err       error
	)
	switch *extractorType {
	case "remote":
		slog.Info("Using remote extraction service", "url", *extractionURL)
		extractor, err = extraction.NewRemote(*extractionURL, extraction.WithTimeout(*extractTO))
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini extractor...", "model", *geminiModel)
		extractor, err = extraction.NewGemini(apiKey, *geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", *ollamaURL, "model", *ollamaModel)
		extractor, err = extraction.NewOllama(*ollamaURL, *ollamaModel)
	default:
		slog.Error("Invalid extractor type", "type", *extractorType, "valid", "remote, gemini or ollama")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize extractor", "type", *extractorType, "error", err)
		os.Exit(1)
	}
	defer extractor.Close()

	// Ledger credentials
	persistent, err := auth.NewBoltStore(*credsPath)
	if err != nil {
		slog.Error("Failed to open credentials store", "error", err)
		os.Exit(1)
	}
	defer persistent.Close()

	httpClient := &http.Client{Timeout: 60 * time.Second}
	tokens := auth.NewManager(auth.NewMemoryStore(), persistent, auth.NewHTTPExchanger(*ledgerURL, httpClient))
	if *ledgerUser != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := tokens.Login(ctx, *ledgerUser, *ledgerPass, *remember)
		cancel()
		if err != nil {
			slog.Error("Ledger login failed", "user", *ledgerUser, "error", err)
			os.Exit(1)
		}
		slog.Info("Logged in to ledger", "user", *ledgerUser, "remember", *remember)
	} else if !tokens.LoggedIn() {
		slog.Warn("No ledger credentials; submissions will fail until --ledger-user is given")
	}
	ledgerClient := ledger.NewClient(*ledgerURL, tokens, httpClient)

	// Initialize staged file storage
	blobs, err := intake.NewLocalBlobStore(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	if n, err := blobs.Purge(); err != nil {
		slog.Warn("Failed to purge leftover staged files", "error", err)
	} else if n > 0 {
		slog.Info("Purged leftover staged files", "count", n)
	}

	session := intake.NewSession(intake.Config{
		DefaultModel: *defaultModel,
		Collision:    policy,
	}, blobs, extractor, ledgerClient)
	session.Coordinator().Timeout = *extractTO
	session.Coordinator().Concurrency = *concurrency
	session.SelectGroup(*group)
	defer session.Close()

	var camera intake.Camera
	if *scannerDir != "" {
		cs := capture.NewSession(capture.NewFolderProvider(*scannerDir), session)
		defer cs.Close()
		camera = cs
		slog.Info("Scanner capture enabled", "root", *scannerDir)
	}

	server := intake.NewServer(session, camera, ledgerClient, intake.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	})

	addr := fmt.Sprintf(":%d", *port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting server", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
}
