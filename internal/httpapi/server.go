// Package httpapi exposes the engine's small HTTP surface. The only
// data endpoint serves message attachments: the local cache is
// consulted first and the remote transport is the fallback, with the
// fetched content cached for the next request.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fenilsonani/mailsync/internal/localstore"
	"github.com/fenilsonani/mailsync/internal/logging"
	"github.com/fenilsonani/mailsync/internal/metadata"
	"github.com/fenilsonani/mailsync/internal/transport"
)

// AdapterOpener constructs the transport adapter for an account.
type AdapterOpener func(ctx context.Context, account metadata.AccountRecord) (transport.Adapter, error)

// Config wires a Server.
type Config struct {
	Listen string

	// BasicAuthUser and BasicAuthHash enable HTTP basic auth when both
	// are set. The hash is a bcrypt hash of the password.
	BasicAuthUser string
	BasicAuthHash string

	Accounts    *metadata.AccountStore
	Messages    *metadata.MessageStore
	Local       *localstore.Store
	OpenAdapter AdapterOpener

	Logger *logging.Logger
}

// Server handles the attachment and health endpoints.
type Server struct {
	cfg        Config
	logger     *logging.Logger
	httpServer *http.Server
}

// NewServer validates the wiring and returns a server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Messages == nil || cfg.Accounts == nil {
		return nil, fmt.Errorf("httpapi: metadata stores are required")
	}
	if cfg.Local == nil {
		return nil, fmt.Errorf("httpapi: local store is required")
	}
	if cfg.OpenAdapter == nil {
		return nil, fmt.Errorf("httpapi: adapter opener is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger}, nil
}

// Handler returns the routed handler, exported for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/attachments", s.withAuth(s.handleAttachment))
	return mux
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.InfoContext(context.Background(), "starting http server", "listen", s.cfg.Listen)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// withAuth wraps a handler with basic-auth verification. Auth is
// disabled when no credentials are configured.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.BasicAuthUser == "" && s.cfg.BasicAuthHash == "" {
			next(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.cfg.BasicAuthUser ||
			bcrypt.CompareHashAndPassword([]byte(s.cfg.BasicAuthHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="mailsync"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// handleAttachment serves GET /attachments?workspaceId=&messageId=&index=.
// The message is located by its RFC 5322 Message-ID, the cached copy is
// preferred, and a transport download is the fallback for adapters that
// support it.
func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workspaceID := r.URL.Query().Get("workspaceId")
	messageID := r.URL.Query().Get("messageId")
	if workspaceID == "" || messageID == "" {
		http.Error(w, "workspaceId and messageId are required", http.StatusBadRequest)
		return
	}
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil || index < 0 {
		http.Error(w, "index must be a non-negative integer", http.StatusBadRequest)
		return
	}

	ctx := logging.WithWorkspace(r.Context(), workspaceID)

	rec, err := s.cfg.Messages.FindByMessageID(ctx, workspaceID, messageID)
	if errors.Is(err, metadata.ErrNotFound) {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "message lookup failed", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	meta, err := s.cfg.Local.ReadMeta(rec.Account, rec.Mailbox, rec.ExternalID)
	if err != nil {
		s.logger.ErrorContext(ctx, "local meta read failed", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if meta != nil {
		if index >= len(meta.Attachments) {
			http.Error(w, "attachment index out of range", http.StatusNotFound)
			return
		}
		att := meta.Attachments[index]
		data, err := s.cfg.Local.ReadCachedAttachment(rec.Account, rec.Mailbox, rec.ExternalID, att.Filename)
		if err != nil {
			s.logger.ErrorContext(ctx, "cached attachment read failed", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if data != nil {
			serveAttachment(w, att.Filename, att.MIMEType, data)
			return
		}
	}

	content, status := s.downloadAttachment(ctx, rec, index)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	serveAttachment(w, content.Filename, content.MIMEType, content.Data)
}

// downloadAttachment fetches the attachment via the account's transport
// and caches it. A non-zero status means the caller should respond with
// that error status.
func (s *Server) downloadAttachment(ctx context.Context, rec *metadata.MessageRecord, index int) (*transport.AttachmentContent, int) {
	account, err := s.cfg.Accounts.Get(ctx, rec.WorkspaceID, rec.Account)
	if err != nil {
		s.logger.ErrorContext(ctx, "account lookup failed", err)
		return nil, http.StatusInternalServerError
	}

	adapter, err := s.cfg.OpenAdapter(ctx, *account)
	if err != nil {
		s.logger.ErrorContext(ctx, "opening transport failed", err)
		return nil, http.StatusInternalServerError
	}
	defer func() {
		if err := adapter.Dispose(ctx); err != nil {
			s.logger.WarnContext(ctx, "transport dispose failed", "error", err.Error())
		}
	}()

	if !adapter.Capabilities().Has(transport.CapDownloadAttachment) {
		return nil, http.StatusNotImplemented
	}

	content, err := adapter.DownloadAttachment(ctx, rec.Mailbox, rec.ExternalID, index)
	if err != nil {
		if errors.Is(err, transport.ErrNotSupported) {
			return nil, http.StatusNotImplemented
		}
		if errors.Is(err, transport.ErrAttachmentNotFound) {
			return nil, http.StatusNotFound
		}
		s.logger.ErrorContext(ctx, "attachment download failed", err,
			"external_id", rec.ExternalID, "index", index)
		return nil, http.StatusInternalServerError
	}

	if err := s.cfg.Local.CacheAttachment(rec.Account, rec.Mailbox, rec.ExternalID, content.Filename, content.Data); err != nil {
		s.logger.WarnContext(ctx, "attachment cache write failed", "error", err.Error())
	}
	return content, 0
}

func serveAttachment(w http.ResponseWriter, filename, mimeType string, data []byte) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
