package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgproto3/v2"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/rowguard/rowguard/internal/adapter/outbound/backend"
	"github.com/rowguard/rowguard/internal/audit"
	"github.com/rowguard/rowguard/internal/breakglass"
	"github.com/rowguard/rowguard/internal/config"
	"github.com/rowguard/rowguard/internal/observability"
	"github.com/rowguard/rowguard/internal/policyhost"
	outboundport "github.com/rowguard/rowguard/internal/port/outbound"
	"github.com/rowguard/rowguard/internal/rewriter"
	"github.com/rowguard/rowguard/internal/sqlast"
	"github.com/rowguard/rowguard/internal/transport"
	"github.com/rowguard/rowguard/internal/wire"
)

// policyPollInterval is how often a session compares its evaluator's
// compiled-policy version against the host's current one — the host has no
// per-session fan-out, so a session discovers a reload by polling rather
// than being pushed to (§4.8.2 event source "policy-change notification").
const policyPollInterval = 5 * time.Second

const defaultTableInfoRefresh = 2 * time.Minute

// unauthorizedSQLState is the error code the spec mandates for every
// rewriter rejection surfaced to the client (§7).
const unauthorizedSQLState = "42501"

// BreakGlassEvaluator is the optional local-override hook (§10.1). A nil
// Handler.BreakGlass disables the feature entirely.
type BreakGlassEvaluator interface {
	// Evaluate returns matched=false when no rule fired, in which case the
	// rule engine's decision stands unmodified.
	Evaluate(attrs map[string]any) (allow bool, matched bool)
}

// Handler drives one client connection end to end: handshake, backend
// dial, and the relay loop that rewrites or rejects every statement in
// flight (§4.8).
type Handler struct {
	Config       *config.Config
	Host         *policyhost.Host
	ControlPlane outboundport.ControlPlaneClient
	Audit        *AuditWorker
	BreakGlass   BreakGlassEvaluator
	Metrics      *observability.Metrics
	OTel         *observability.OTelInstruments
	Logger       *slog.Logger

	// ClientTLS is offered to clients that send an SSLRequest. Nil disables
	// TLS on the listener entirely (plaintext refusal).
	ClientTLS *tls.Config
	// BackendTLS is used when dialing the real PostgreSQL server. Nil
	// dials plaintext.
	BackendTLS *tls.Config

	// Namespaces is the schema search path the rewriter probes for an
	// unqualified FROM-clause table (§4.6).
	Namespaces []string
}

// Handle drives conn through startup, authentication, the backend dial and
// the relay loop. It never returns until the session ends, successfully or
// otherwise; the caller (the listener's accept loop) is responsible for
// closing conn afterward.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	sessionID, err := GenerateSessionID()
	if err != nil {
		h.Logger.Error("generate session id", "error", err)
		return
	}
	logger := h.Logger.With("session_id", sessionID)

	sess, err := h.handshake(ctx, conn, sessionID)
	if err != nil {
		logger.Warn("handshake failed", "error", err)
		return
	}
	defer sess.Close()

	if h.Metrics != nil {
		h.Metrics.ActiveSessions.Inc()
		defer h.Metrics.ActiveSessions.Dec()
	}

	logger = logger.With("identity", sess.Identity, "db", sess.ConnectedDB)
	logger.Info("session established", "groups", sess.Groups, "passthrough", sess.Passthrough)

	if err := h.relay(ctx, sess, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Info("session ended", "error", err)
	} else {
		logger.Info("session ended")
	}
}

// handshake performs §4.8.1: the optional client TLS upgrade, startup
// parameter extraction, cleartext password collection, control-plane
// authentication, the backend dial and the client-facing completion
// sequence.
func (h *Handler) handshake(ctx context.Context, raw net.Conn, sessionID string) (*Session, error) {
	clientConn := transport.New(raw)

	clientCodec := wire.NewClientCodec(clientConn, clientConn)
	startupMsg, err := clientCodec.ReceiveStartup()
	if err != nil {
		return nil, fmt.Errorf("receive startup: %w", err)
	}

	if _, isSSL := startupMsg.(*pgproto3.SSLRequest); isSSL {
		upgrade, err := clientConn.OfferClientTLS(h.ClientTLS)
		if err != nil {
			return nil, fmt.Errorf("client tls upgrade: %w", err)
		}
		clientConn = upgrade.Conn
		clientCodec.SetStream(clientConn, clientConn)
		startupMsg, err = clientCodec.ReceiveStartup()
		if err != nil {
			return nil, fmt.Errorf("receive post-tls startup: %w", err)
		}
	}

	startup, ok := startupMsg.(*pgproto3.StartupMessage)
	if !ok {
		return nil, fmt.Errorf("expected StartupMessage, got %T", startupMsg)
	}
	database := startup.Parameters["database"]
	user := startup.Parameters["user"]
	if database == "" || user == "" {
		return nil, fmt.Errorf("startup message missing database or user")
	}

	if err := clientCodec.Send(&pgproto3.AuthenticationCleartextPassword{}); err != nil {
		return nil, fmt.Errorf("send auth request: %w", err)
	}
	passwordMsg, err := clientCodec.Receive()
	if err != nil {
		return nil, fmt.Errorf("receive password: %w", err)
	}
	password, ok := passwordMsg.Frontend.(*pgproto3.PasswordMessage)
	if !ok {
		return nil, fmt.Errorf("expected PasswordMessage, got %T", passwordMsg.Frontend)
	}

	authResult, err := h.ControlPlane.Auth(ctx, user, password.Password)
	if err != nil {
		_ = clientCodec.Send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: "28P01", Message: "authentication failed"})
		return nil, fmt.Errorf("control plane auth: %w", err)
	}

	backendConn, err := backend.Connect(ctx, h.Config.Postgres, database, h.BackendTLS)
	if err != nil {
		_ = clientCodec.Send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: "08006", Message: "backend connection failed"})
		return nil, fmt.Errorf("backend connect: %w", err)
	}

	if err := backend.CompleteClientHandshake(clientCodec, backendConn); err != nil {
		_ = backendConn.Close()
		return nil, fmt.Errorf("complete client handshake: %w", err)
	}

	adminConn, err := backend.ConnectAdmin(ctx, h.Config.Postgres, database, h.BackendTLS)
	if err != nil {
		h.Logger.Warn("admin side-channel unavailable, table info refresh disabled", "error", err, "session_id", sessionID)
		adminConn = nil
	}

	evaluator, err := h.Host.NewEvaluator(ctx, sessionID)
	if err != nil {
		_ = backendConn.Close()
		return nil, fmt.Errorf("new policy evaluator: %w", err)
	}

	dataSourceName := ""
	if ds, err := h.ControlPlane.GetDataSource(ctx); err == nil {
		dataSourceName = ds.Name
	}

	rules, err := policyhost.DeriveRuleEngine(ctx, evaluator, policyhost.Input{
		DataSource: dataSourceName,
		DBName:     database,
		Groups:     authResult.Groups,
	})
	if err != nil {
		_ = evaluator.Close(ctx)
		_ = backendConn.Close()
		return nil, fmt.Errorf("derive rule engine: %w", err)
	}

	sess := &Session{
		ID:          sessionID,
		ClientConn:  clientConn,
		Client:      clientCodec,
		BackendConn: backendConn,
		Backend:     wire.NewBackendCodec(backendConn.Hijacked.Conn, backendConn.Hijacked.Conn),
		Admin:       adminConn,
		ConnectedDB: database,
		Identity:    user,
		Groups:      authResult.Groups,
		Passthrough: authResult.Passthrough,
		Evaluator:   evaluator,
		Rules:       rules,
		TableInfo:   map[string][]string{},
		TxStatus:    TxIdle,
	}
	if authResult.ExpiresAt > 0 {
		sess.ExpiresAt = time.Unix(authResult.ExpiresAt, 0)
	}

	if adminConn != nil {
		if info, err := FetchTableInfo(ctx, adminConn, rules.ProtectedTableNames()); err == nil {
			sess.TableInfo = info
		} else {
			h.Logger.Warn("initial table info fetch failed", "error", err, "session_id", sessionID)
		}
	}

	return sess, nil
}

// relayEvent is one item read off either transport by its dedicated reader
// goroutine, feeding the single-threaded select loop below.
type relayEvent struct {
	msg *wire.Message
	err error
}

// relay runs the event loop of §4.8.2: two background readers feed client
// and backend messages into this goroutine, which is the only place
// session state (TxStatus, PendingError, the active rule engine) is ever
// mutated, alongside periodic policy-version and table-info ticks.
func (h *Handler) relay(ctx context.Context, sess *Session, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clientCh := make(chan relayEvent, 1)
	backendCh := make(chan relayEvent, 1)

	go readLoop(ctx, sess.Client.Receive, clientCh)
	go readLoop(ctx, sess.Backend.Receive, backendCh)

	policyTicker := time.NewTicker(policyPollInterval)
	defer policyTicker.Stop()

	tableInfoInterval := defaultTableInfoRefresh
	if parsed, err := time.ParseDuration(h.Config.TableInfoRefresh); err == nil && parsed > 0 {
		tableInfoInterval = parsed
	}
	tableInfoTicker := time.NewTicker(tableInfoInterval)
	defer tableInfoTicker.Stop()

	r := rewriter.New(sess.Rules, h.Namespaces)

	for {
		if sess.Expired(time.Now()) {
			return fmt.Errorf("session expired")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-backendCh:
			if ev.err != nil {
				return fmt.Errorf("backend: %w", ev.err)
			}
			if err := h.forwardToClient(sess, ev.msg); err != nil {
				return err
			}

		case ev := <-clientCh:
			if ev.err != nil {
				return fmt.Errorf("client: %w", ev.err)
			}
			if err := h.handleClientMessage(sess, r, ev.msg); err != nil {
				return err
			}

		case <-policyTicker.C:
			if err := h.maybeReloadPolicy(ctx, sess, &r, logger); err != nil {
				logger.Error("policy reload failed, terminating session", "error", err)
				return err
			}

		case <-tableInfoTicker.C:
			if sess.Admin == nil {
				continue
			}
			info, err := FetchTableInfo(ctx, sess.Admin, sess.Rules.ProtectedTableNames())
			if err != nil {
				logger.Warn("table info refresh failed", "error", err)
				continue
			}
			sess.TableInfo = info
		}
	}
}

// readLoop repeatedly calls receive and forwards every result to out until
// ctx is cancelled or receive returns an error.
func readLoop(ctx context.Context, receive func() (*wire.Message, error), out chan<- relayEvent) {
	for {
		msg, err := receive()
		select {
		case out <- relayEvent{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// forwardToClient relays a decoded backend message to the client, updating
// TxStatus from the authoritative ReadyForQuery state byte and clearing any
// pending synthesized error a real backend error overtakes (§7, §9: "a
// backend ErrorMsg racing a pending synthetic error clears pending_error").
func (h *Handler) forwardToClient(sess *Session, msg *wire.Message) error {
	switch bm := msg.Backend.(type) {
	case *pgproto3.ReadyForQuery:
		sess.TxStatus = TxStatus(bm.TxStatus)
	case *pgproto3.ErrorResponse:
		sess.PendingError = nil
	}
	if err := sess.Client.Send(msg.Backend); err != nil {
		return fmt.Errorf("forward to client: %w", err)
	}
	return nil
}

// handleClientMessage implements the client->backend half of §4.8.2:
// SQL-carrying messages are parsed and rewritten (unless the session is in
// passthrough mode); a rejection is buffered as PendingError and flushed
// the next time a message that ends a request cycle (Query or Sync)
// arrives, exactly as the reference flow buffers a rewriter rejection
// until the client is due a ReadyForQuery.
func (h *Handler) handleClientMessage(sess *Session, r *rewriter.Rewriter, msg *wire.Message) error {
	cyclesEnds := isCycleBoundary(msg.Frontend)

	if sess.PendingError != nil {
		if cyclesEnds {
			return h.flushPendingError(sess)
		}
		// Swallow everything else belonging to the rejected pipeline.
		return nil
	}

	if !msg.IsQuery() || sess.Passthrough {
		if err := sess.Backend.Send(msg.Frontend); err != nil {
			return fmt.Errorf("forward to backend: %w", err)
		}
		return nil
	}

	text := msg.QueryText()
	start := time.Now()
	rewritten, kind, rewriteErr := h.rewriteStatement(r, sess, text)
	if rewriteErr != nil {
		sess.PendingError = synthesizeError(rewriteErr)
		h.submitAudit(sess, text, audit.Rejected(kind), start)
		h.recordStatementMetric(kind, "rejected", start)
		if cyclesEnds {
			return h.flushPendingError(sess)
		}
		return nil
	}

	h.submitAudit(sess, text, audit.DecisionForwarded, start)
	h.recordStatementMetric(kind, "forwarded", start)
	if err := sess.Backend.Send(msg.WithRewrittenText(rewritten)); err != nil {
		return fmt.Errorf("forward rewritten statement: %w", err)
	}
	return nil
}

func (h *Handler) recordStatementMetric(kind, decision string, start time.Time) {
	if kind == "" {
		kind = "query"
	}
	if h.Metrics != nil {
		h.Metrics.StatementsTotal.WithLabelValues(kind, decision).Inc()
		h.Metrics.StatementDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	if h.OTel != nil {
		h.OTel.StatementsTotal.Add(context.Background(), 1,
			otelmetric.WithAttributes(
				attribute.String("kind", kind),
				attribute.String("decision", decision),
			))
	}
}

// rewriteStatement parses text, runs it through the rewriter, and splices
// the resulting edits back into the source. kind classifies the statement
// for audit purposes even when rewriteErr is nil.
func (h *Handler) rewriteStatement(r *rewriter.Rewriter, sess *Session, text string) (rewritten, kind string, err error) {
	stmts, err := sqlast.Parse(text)
	if err != nil {
		return "", "parse_failure", fmt.Errorf("parse statement: %w", err)
	}

	edited := text
	for _, stmt := range stmts {
		kind = statementKindFor(stmt)

		if h.BreakGlass != nil {
			attrs := breakglass.AttributesMap(breakglass.Attributes{
				Groups:        sess.Groups,
				ConnectedDB:   sess.ConnectedDB,
				StatementKind: kind,
				TargetTable:   targetTableFor(stmt),
			})
			if allow, matched := h.BreakGlass.Evaluate(attrs); matched {
				if !allow {
					return "", kind, fmt.Errorf("denied by break-glass override")
				}
				continue
			}
		}

		ctx := rewriter.NewCtx(sess.TableInfo)
		edits, err := r.Rewrite(stmt, ctx)
		if err != nil {
			return "", kind, err
		}
		if len(edits) > 0 {
			edited = sqlast.Splice(edited, edits)
		}
	}
	return edited, kind, nil
}

// targetTableFor extracts the single table a DML statement names, or ""
// when the statement has no single target (a SELECT may join many).
func targetTableFor(stmt sqlast.Statement) string {
	switch s := stmt.(type) {
	case *sqlast.Insert:
		return s.Table
	case *sqlast.Update:
		return s.Table
	case *sqlast.Copy:
		return s.Table
	default:
		return ""
	}
}

func statementKindFor(stmt sqlast.Statement) string {
	switch stmt.(type) {
	case *sqlast.Insert:
		return "insert"
	case *sqlast.Update:
		return "update"
	case *sqlast.Copy:
		return "copy"
	default:
		return "query"
	}
}

// isCycleBoundary reports whether msg is the message after which the
// client expects a ReadyForQuery: a simple-protocol Query is
// self-contained, an extended-protocol pipeline only ends at Sync.
func isCycleBoundary(fm pgproto3.FrontendMessage) bool {
	switch fm.(type) {
	case *pgproto3.Query, *pgproto3.Sync:
		return true
	default:
		return false
	}
}

// flushPendingError sends the buffered rejection and the ReadyForQuery the
// client is owed, then clears PendingError. Nothing is forwarded to the
// backend for the rejected cycle.
func (h *Handler) flushPendingError(sess *Session) error {
	err := sess.PendingError
	sess.PendingError = nil
	if sendErr := sess.Client.Send(err); sendErr != nil {
		return fmt.Errorf("send pending error: %w", sendErr)
	}
	if sendErr := sess.Client.Send(&pgproto3.ReadyForQuery{TxStatus: byte(sess.TxStatus)}); sendErr != nil {
		return fmt.Errorf("send synthesized ready for query: %w", sendErr)
	}
	return nil
}

func synthesizeError(cause error) *pgproto3.ErrorResponse {
	return &pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     unauthorizedSQLState,
		Message:  cause.Error(),
	}
}

func (h *Handler) submitAudit(sess *Session, statement, decision string, start time.Time) {
	if h.Audit == nil {
		return
	}
	h.Audit.Submit(audit.Record{
		Statement: statement,
		Groups:    sess.Groups,
		SessionID: sess.ID,
		Identity:  sess.Identity,
		Decision:  decision,
		Timestamp: start,
		Latency:   time.Since(start),
	})
}

// maybeReloadPolicy compares the session's evaluator against the host's
// current compiled policy and, on a version change, rebuilds the
// evaluator and rule engine and re-evaluates whether the session may
// continue at all. A session whose access the new policy revokes entirely
// is terminated; passthrough sessions never reach this check meaningfully
// since they never consult the rule engine, but the evaluator is still
// kept current for when break-glass or future entry points need it.
func (h *Handler) maybeReloadPolicy(ctx context.Context, sess *Session, r **rewriter.Rewriter, logger *slog.Logger) error {
	if sess.Evaluator.PolicyVersion() == h.Host.Version() {
		return nil
	}

	newEval, err := h.Host.NewEvaluator(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("rebuild evaluator: %w", err)
	}

	dataSourceName := ""
	if ds, err := h.ControlPlane.GetDataSource(ctx); err == nil {
		dataSourceName = ds.Name
	}

	newRules, err := policyhost.DeriveRuleEngine(ctx, newEval, policyhost.Input{
		DataSource: dataSourceName,
		DBName:     sess.ConnectedDB,
		Groups:     sess.Groups,
	})
	if err != nil {
		_ = newEval.Close(ctx)
		return fmt.Errorf("derive rule engine after reload: %w", err)
	}

	logger.Info("policy reloaded", "version", newEval.PolicyVersion())
	if h.Metrics != nil {
		h.Metrics.PolicyReloadsTotal.Inc()
	}

	_ = sess.Evaluator.Close(ctx)
	sess.Evaluator = newEval
	sess.Rules = newRules
	*r = rewriter.New(newRules, h.Namespaces)

	if sess.Admin != nil {
		if info, err := FetchTableInfo(ctx, sess.Admin, newRules.ProtectedTableNames()); err == nil {
			sess.TableInfo = info
		}
	}

	return nil
}
