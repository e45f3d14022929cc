package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"signdesk/pkg/db"
	"signdesk/pkg/domain"
	"signdesk/pkg/httpx"
	"signdesk/pkg/notify"
	"signdesk/pkg/signorder"
	"signdesk/services/authority/internal/linktoken"
	"signdesk/services/authority/internal/metrics"
	"signdesk/services/authority/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	pool := db.MustConnect()
	st := store.New(pool)
	if err := st.Migrate(context.Background()); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	port := strings.TrimSpace(os.Getenv("SERVICE_PORT"))
	if port == "" {
		port = "8090"
	}
	signingKey := strings.TrimSpace(os.Getenv("LINK_SIGNING_KEY"))
	if signingKey == "" {
		log.Fatal("LINK_SIGNING_KEY is required")
	}
	bootstrapToken := strings.TrimSpace(os.Getenv("AUTHORITY_BOOTSTRAP_TOKEN"))
	linkTTL := envDurationDefault("LINK_TTL", 14*24*time.Hour)
	issuer := linktoken.NewIssuer([]byte(signingKey), linkTTL)

	var senderHook *notify.Webhook
	if url := strings.TrimSpace(os.Getenv("SENDER_WEBHOOK_URL")); url != "" {
		senderHook = notify.NewWebhook(url, strings.TrimSpace(os.Getenv("SENDER_WEBHOOK_SECRET")))
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Handle("/metrics", promhttp.Handler())

	// Session creation is a sender-side operation authenticated with the
	// bootstrap bearer token, not a recipient link.
	r.Post("/session", func(w http.ResponseWriter, r *http.Request) {
		if !requireBootstrapToken(w, r, bootstrapToken) {
			return
		}
		var req struct {
			DocumentName string             `json:"document_name"`
			CreatedBy    string             `json:"created_by"`
			SenderEmail  string             `json:"sender_email"`
			Mode         domain.SigningMode `json:"mode"`
			Recipients   []domain.Recipient `json:"recipients"`
			Fields       []domain.Field     `json:"fields"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		sess := &domain.Session{
			ID:           "ses_" + uuid.NewString(),
			DocumentName: strings.TrimSpace(req.DocumentName),
			CreatedBy:    strings.TrimSpace(req.CreatedBy),
			SenderEmail:  strings.TrimSpace(req.SenderEmail),
			CreatedAt:    time.Now().UTC(),
			Status:       domain.StatusActive,
			Mode:         req.Mode,
			Recipients:   req.Recipients,
			Fields:       req.Fields,
		}
		for i := range sess.Recipients {
			if sess.Recipients[i].ID == "" {
				sess.Recipients[i].ID = "rcp_" + uuid.NewString()
			}
		}
		for i := range sess.Fields {
			if sess.Fields[i].ID == "" {
				sess.Fields[i].ID = "fld_" + uuid.NewString()
			}
		}
		if err := st.CreateSession(r.Context(), sess); err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		links := map[string]string{}
		for _, rcp := range sess.Recipients {
			tok, err := issuer.Issue(sess.ID, rcp.ID, time.Now().UTC())
			if err != nil {
				httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
				return
			}
			links[rcp.ID] = tok
		}
		httpx.WriteJSON(w, 201, map[string]any{
			"request_id": httpx.NewRequestID(),
			"session":    sess,
			"links":      links,
		})
	})

	r.Route("/session/{session_id}", func(api chi.Router) {
		api.Get("/", func(w http.ResponseWriter, r *http.Request) {
			sessionID, _, ok := authorize(w, r, issuer)
			if !ok {
				return
			}
			sess, err := st.GetSession(r.Context(), sessionID)
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"session": sess})
		})

		api.Get("/audit", func(w http.ResponseWriter, r *http.Request) {
			sessionID, _, ok := authorize(w, r, issuer)
			if !ok {
				return
			}
			events, err := st.ListAuditEvents(r.Context(), sessionID)
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"session_id": sessionID, "events": events})
		})

		api.Put("/consent", func(w http.ResponseWriter, r *http.Request) {
			sessionID, recipientID, ok := authorize(w, r, issuer)
			if !ok {
				return
			}
			var req struct {
				ConsentTextHash string `json:"consent_text_hash"`
				UserAgent       string `json:"user_agent"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			consentAt, err := st.RecordConsent(r.Context(), sessionID, recipientID, req.ConsentTextHash, req.UserAgent)
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			metrics.ConsentRecordedTotal.Inc()
			httpx.WriteJSON(w, 200, map[string]any{"consent_at": consentAt})
		})

		api.Post("/signed", func(w http.ResponseWriter, r *http.Request) {
			sessionID, recipientID, ok := authorize(w, r, issuer)
			if !ok {
				return
			}
			var sub struct {
				SessionID   string          `json:"session_id"`
				RecipientID string          `json:"recipient_id"`
				Session     *domain.Session `json:"session"`
				Trail       json.RawMessage `json:"trail"`
			}
			if err := httpx.ReadJSON(r, &sub); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if sub.Session == nil || sub.Session.ID != sessionID {
				httpx.WriteError(w, 400, "BAD_REQUEST", "submission session does not match URL", nil)
				return
			}
			res, err := st.ApplySubmission(r.Context(), recipientID, sub.Session, signorder.IsActionable)
			if err != nil {
				var ce *domain.ConflictError
				if errors.As(err, &ce) {
					metrics.ConflictsTotal.Inc()
					metrics.SubmissionsTotal.WithLabelValues("conflict").Inc()
				} else {
					metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
				}
				httpx.WriteDomainError(w, err)
				return
			}
			metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()
			if res.AllSigned {
				metrics.SessionsCompletedTotal.Inc()
				notifySender(r.Context(), senderHook, "session_completed", sessionID)
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"all_signed":   res.AllSigned,
				"download_url": res.DownloadURL,
			})
		})

		api.Put("/decline", func(w http.ResponseWriter, r *http.Request) {
			sessionID, recipientID, ok := authorize(w, r, issuer)
			if !ok {
				return
			}
			var req struct {
				Reason string `json:"reason"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if err := st.Decline(r.Context(), sessionID, recipientID, strings.TrimSpace(req.Reason)); err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			notifySender(r.Context(), senderHook, "recipient_declined", sessionID)
			httpx.WriteJSON(w, 200, map[string]any{"declined": true})
		})

		// Reissue is reachable with an expired link: the client proves it once
		// held a link for this recipient, and the server mints a fresh one.
		api.Post("/request-link", func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "session_id")
			tokSession, recipientID, err := issuer.VerifyExpired(recipientKey(r))
			if err != nil || tokSession != sessionID {
				httpx.WriteDomainError(w, domain.ErrInvalidCredentials)
				return
			}
			sess, err := st.GetSession(r.Context(), sessionID)
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			if sess.Status == domain.StatusCompleted || sess.Status == domain.StatusDeclined {
				httpx.WriteDomainError(w, &domain.ConflictError{RemoteStatus: sess.Status, Reason: "session is closed"})
				return
			}
			fresh, err := issuer.Issue(sessionID, recipientID, time.Now().UTC())
			if err != nil {
				httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
				return
			}
			if err := st.MarkLinkReissued(r.Context(), sessionID, recipientID); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			metrics.LinksReissuedTotal.Inc()
			httpx.WriteJSON(w, 200, map[string]any{"link_token": fresh})
		})
	})

	log.Printf("authority listening on :%s", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.Fatal(err)
	}
}

// notifySender is best effort: a webhook delivery failure is logged and never
// surfaces to the signing recipient.
func notifySender(ctx context.Context, hook *notify.Webhook, eventType, sessionID string) {
	if hook == nil {
		return
	}
	if err := hook.Post(ctx, eventType, map[string]string{"session_id": sessionID}); err != nil {
		log.Printf("session %s: sender webhook failed: %v", sessionID, err)
	}
}

func recipientKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Recipient-Key"))
}

// authorize verifies the recipient link token and checks it binds to the
// session in the URL. The recipient identity always comes from the token,
// never from the request body.
func authorize(w http.ResponseWriter, r *http.Request, issuer *linktoken.Issuer) (sessionID, recipientID string, ok bool) {
	sessionID = chi.URLParam(r, "session_id")
	tokSession, tokRecipient, err := issuer.Verify(recipientKey(r))
	if err != nil || tokSession != sessionID {
		httpx.WriteDomainError(w, domain.ErrInvalidCredentials)
		return "", "", false
	}
	return sessionID, tokRecipient, true
}

func requireBootstrapToken(w http.ResponseWriter, r *http.Request, configured string) bool {
	if configured == "" {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) || strings.TrimSpace(strings.TrimPrefix(auth, prefix)) != configured {
		httpx.WriteError(w, 401, "UNAUTHORIZED", "bearer token required", nil)
		return false
	}
	return true
}

func envDurationDefault(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
