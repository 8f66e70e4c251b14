package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/audit"
	"github.com/toolrelay/relay-engine/pkg/config"
	"github.com/toolrelay/relay-engine/pkg/crypto"
	"github.com/toolrelay/relay-engine/pkg/database"
	"github.com/toolrelay/relay-engine/pkg/mcp"
	mcpauth "github.com/toolrelay/relay-engine/pkg/mcp/auth"
	"github.com/toolrelay/relay-engine/pkg/mcp/tools"
	"github.com/toolrelay/relay-engine/pkg/middleware"
	"github.com/toolrelay/relay-engine/pkg/models"
	"github.com/toolrelay/relay-engine/pkg/objectstore"
	"github.com/toolrelay/relay-engine/pkg/repositories"
	"github.com/toolrelay/relay-engine/pkg/services"
	"github.com/toolrelay/relay-engine/pkg/sessions"
)

// Version is set at build time via ldflags
var Version = "dev"

const serverName = "relay-engine"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "mint-key" {
		runMintKey(os.Args[2:])
		return
	}

	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("database", cfg.Database.Host),
		zap.String("redis", cfg.Redis.Host),
		zap.String("object_store", cfg.ObjectStore.Endpoint),
	)

	ctx := context.Background()

	if err := database.RunMigrations(&cfg.Database, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	encryptor, err := crypto.NewCredentialEncryptor(cfg.CredentialsKey)
	if err != nil {
		logger.Fatal("Failed to create credential encryptor", zap.Error(err))
	}

	store, err := newObjectStore(ctx, &cfg.ObjectStore, logger)
	if err != nil {
		logger.Fatal("Failed to create object store", zap.Error(err))
	}

	// Repositories.
	catalogRepo := repositories.NewCatalogRepository(db)
	credentialRepo := repositories.NewCredentialRepository(db)
	projectRepo := repositories.NewProjectRepository(db)
	keyRepo := repositories.NewAgentKeyRepository(db)
	entityRepo := repositories.NewEntityRepository(db)
	diagnosticRepo := repositories.NewDiagnosticRepository(db)

	// Services.
	auditor := audit.NewAuditor(logger)
	keyService := services.NewAgentKeyService(keyRepo, logger)
	diagnosisService := services.NewDiagnosisService(diagnosticRepo, logger)
	entityService := services.NewEntityService(entityRepo, services.DefaultSimilarityThreshold, logger)
	datasetService := services.NewDatasetService(store, cfg.Dataset.TTL(), cfg.Dataset.ExportURLTTL(), logger)
	executor := services.NewExecutor(
		catalogRepo, credentialRepo, projectRepo, encryptor,
		diagnosisService, datasetService,
		&cfg.Outbound, &cfg.Dataset, logger,
	)

	registry := &tools.Registry{
		Catalog:    catalogRepo,
		Projects:   projectRepo,
		Executor:   executor,
		Datasets:   datasetService,
		Entities:   entityService,
		Diagnosis:  diagnosisService,
		Access:     services.NewToolAccessChecker(),
		Auditor:    auditor,
		ServerName: serverName,
		Version:    cfg.Version,
		Logger:     logger,
	}

	sessionStore, err := newSessionStore(cfg, registry, keyRepo, logger)
	if err != nil {
		logger.Fatal("Failed to create session store", zap.Error(err))
	}

	authMiddleware := mcpauth.NewMiddleware(keyService, auditor, logger)
	mcpHandler := mcp.NewHandler(registry, sessionStore, cfg.Session.KeepAlive(), logger)

	startedAt := time.Now()
	mux := http.NewServeMux()
	mux.Handle("/mcp/v1/", middleware.RequestLogger(logger)(authMiddleware.RequireKey(mcpHandler)))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": cfg.Version,
			"uptime":  time.Since(startedAt).Round(time.Second).String(),
		})
	})

	addr := cfg.BindAddr + ":" + cfg.Port
	logger.Info("Starting relay-engine", zap.String("addr", addr), zap.String("version", cfg.Version))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

// runMintKey mints an agent key from the command line and prints it once.
// Admin keys take no project; non-admin keys require one.
func runMintKey(args []string) {
	fs := flag.NewFlagSet("mint-key", flag.ExitOnError)
	account := fs.String("account", "", "account UUID the key belongs to (required)")
	project := fs.String("project", "", "project UUID for non-admin keys")
	mode := fs.String("mode", "safe", "safe or power")
	admin := fs.Bool("admin", false, "mint a management-only admin key")
	allow := fs.String("allow", "", "comma-separated explicit tool allow-list")
	expiresDays := fs.Int("expires-days", 0, "days until expiry, 0 for none")
	fs.Parse(args)

	accountID, err := uuid.Parse(*account)
	if err != nil {
		log.Fatalf("-account must be a UUID: %v", err)
	}
	key := &models.AgentKey{
		AccountID: accountID,
		Mode:      models.KeyMode(*mode),
		IsAdmin:   *admin,
	}
	if *project != "" {
		projectID, err := uuid.Parse(*project)
		if err != nil {
			log.Fatalf("-project must be a UUID: %v", err)
		}
		key.ProjectID = &projectID
	}
	if !*admin && key.ProjectID == nil {
		log.Fatal("non-admin keys require -project")
	}
	if *allow != "" {
		key.AllowedTools = strings.Split(*allow, ",")
	}
	if *expiresDays > 0 {
		expiry := time.Now().AddDate(0, 0, *expiresDays)
		key.ExpiresAt = &expiry
	}

	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	ctx := context.Background()
	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	keyService := services.NewAgentKeyService(repositories.NewAgentKeyRepository(db), zap.NewNop())
	plain, err := keyService.Mint(ctx, key)
	if err != nil {
		log.Fatalf("Failed to mint key: %v", err)
	}
	fmt.Printf("key: %s\n", plain)
	fmt.Println("store it now; the secret is not recoverable")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newObjectStore picks MinIO when an endpoint is configured and the in-memory
// store otherwise. The memory store is for local development only; datasets
// do not survive a restart.
func newObjectStore(ctx context.Context, cfg *config.ObjectStoreConfig, logger *zap.Logger) (objectstore.Store, error) {
	if cfg.Endpoint == "" {
		logger.Warn("No object store configured, datasets are held in memory")
		return objectstore.NewMemoryStore(), nil
	}
	return objectstore.NewMinioStore(ctx, cfg)
}

// newSessionStore picks the Redis-backed store when Redis is configured and
// the in-process store otherwise.
func newSessionStore(cfg *config.Config, registry *tools.Registry, keyRepo repositories.AgentKeyRepository, logger *zap.Logger) (sessions.Store, error) {
	client, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return sessions.NewMemoryStore(cfg.Session.IdleTTL()), nil
	}

	logger.Info("Using Redis session store", zap.String("host", cfg.Redis.Host))
	rehydrate := func(ctx context.Context, meta sessions.Meta) (*sessions.Session, error) {
		key, err := keyRepo.Get(ctx, meta.KeyID)
		if err != nil {
			return nil, err
		}
		srv, err := registry.BuildServer(ctx, key)
		if err != nil {
			return nil, err
		}
		sess := sessions.NewSession(key, srv)
		sess.ID = meta.ID
		sess.CreatedAt = meta.CreatedAt
		return sess, nil
	}
	return sessions.NewRedisStore(client, cfg.Session.IdleTTL(), rehydrate), nil
}
