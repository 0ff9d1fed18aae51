// Package mcp provides an MCP (Model Context Protocol) server that drives
// earyx sessions: a client starts or resumes a session, asks for trials,
// plays the returned signal files and submits the subject's answers.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/earyx-lab/earyx/internal/archive"
	"github.com/earyx-lab/earyx/internal/journal"
	"github.com/earyx-lab/earyx/internal/logging"
	"github.com/earyx-lab/earyx/internal/ratelimit"
	"github.com/earyx-lab/earyx/internal/run"
	"github.com/earyx-lab/earyx/internal/session"
	"github.com/earyx-lab/earyx/internal/workspace"
)

// AuditFile is the audit log filename inside the data directory.
const AuditFile = "audit.jsonl"

// Server wraps the MCP SDK server and holds the one open session.
type Server struct {
	server       *sdk.Server
	cfg          Config
	logger       *slog.Logger
	toolLimiters ratelimit.ToolLimiters
	auditLogger  *AuditLogger

	mu      sync.Mutex
	sess    *session.Session
	ws      *workspace.Workspace
	current *run.Run
}

// Config holds server configuration.
type Config struct {
	Name    string // Server name (e.g., "earyx")
	Version string // Server version

	DataDir    string // session workspaces
	ArchiveDir string // finalized archives
	Retention  *archive.Retention
	Journal    *journal.Journal // optional checkpoint journal

	// Defaults supplies order, durability policy and subject for new
	// sessions.
	Defaults session.Options
	LogLevel string
	Logger   *slog.Logger

	// Rand and Now are injected into every session when set.
	Rand *rand.Rand
	Now  func() time.Time
}

// NewServer creates a new MCP server with the earyx driver tools.
func NewServer(cfg *Config) (*Server, error) {
	if cfg.DataDir == "" || cfg.ArchiveDir == "" {
		return nil, fmt.Errorf("data and archive directories are required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &sdk.ServerOptions{
		InitializedHandler: func(ctx context.Context, req *sdk.InitializedRequest) {
			logger.Debug("mcp client initialized")
		},
	})

	s := &Server{
		server:       mcpServer,
		cfg:          *cfg,
		logger:       logger,
		toolLimiters: ratelimit.NewToolLimiters(),
		auditLogger:  NewAuditLogger(cfg.DataDir),
	}

	if err := s.registerTools(); err != nil {
		s.auditLogger.Close()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	if err := s.registerResources(); err != nil {
		s.auditLogger.Close()
		return nil, fmt.Errorf("failed to register resources: %w", err)
	}

	return s, nil
}

// Run starts the MCP server over stdio transport.
// This blocks until the client disconnects or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	notifySignals(sigChan)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.server.Run(ctx, &sdk.StdioTransport{})

	if cerr := s.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close releases the open workspace and the audit log. An open session is
// left unfinalized; its last checkpoint stays in the workspace for resume.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSessionLocked()
	return s.auditLogger.Close()
}

func (s *Server) closeSessionLocked() {
	if s.ws != nil {
		s.ws.Close()
	}
	s.sess, s.ws, s.current = nil, nil, nil
}

// archiver returns the archiver handed to every session.
func (s *Server) archiver() *archive.Archiver {
	return &archive.Archiver{
		Dir:       s.cfg.ArchiveDir,
		Retention: s.cfg.Retention,
		Logger:    s.logger,
		Now:       s.cfg.Now,
	}
}

// options builds the session options for a workspace.
func (s *Server) options(ws *workspace.Workspace, base session.Options) session.Options {
	base.Logger = s.logger
	base.Archiver = s.archiver()
	if s.cfg.Rand != nil {
		base.Rand = s.cfg.Rand
	}
	if s.cfg.Now != nil {
		base.Now = s.cfg.Now
	}
	if s.cfg.Journal != nil {
		return ws.Options(base, s.cfg.Journal)
	}
	return ws.Options(base)
}

func (s *Server) allowedArchiveDirs() []string {
	return []string{filepath.Clean(s.cfg.ArchiveDir)}
}

func newSessionID() string {
	return uuid.NewString()
}
