// signctl is the recipient-side signing tool. Every mutation lands in the
// local store before any network call, so signing works offline and syncs
// when the authority is reachable again.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"signdesk/internal/localstore"
	"signdesk/internal/remote"
	"signdesk/internal/syncengine"
	"signdesk/pkg/domain"
	"signdesk/pkg/session"
	"signdesk/pkg/signorder"
	"signdesk/pkg/tsa"
)

const usage = `usage: signctl <command> [flags]

commands:
  fetch        download a session from the authority and cache it locally
  status       show the cached session, signing state and actionable fields
  consent      record e-sign consent
  fill         complete a field (--field plus one of --image/--text/--date/--checked)
  finish       seal this recipient's contribution
  decline      decline to sign (--reason)
  sync         push queued local changes to the authority
  request-link request a fresh signing link for an expired session
  timestamp    attach an RFC 3161 proof-of-time token to a completed session

configuration (config file signctl.yaml, overridden by SIGNDESK_* env):
  authority_url, recipient_key, recipient_id, db_path, tsa_url, tsa_policy`

type app struct {
	engine *syncengine.Engine
	remote *remote.Client
	cfg    *viper.Viper
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := loadConfig()
	a, err := newApp(cfg)
	if err != nil {
		log.Fatalf("signctl: %v", err)
	}

	ctx := context.Background()
	switch os.Args[1] {
	case "fetch":
		err = a.runFetch(ctx, os.Args[2:])
	case "status":
		err = a.runStatus(ctx, os.Args[2:])
	case "consent":
		err = a.runConsent(ctx, os.Args[2:])
	case "fill":
		err = a.runFill(ctx, os.Args[2:])
	case "finish":
		err = a.runFinish(ctx, os.Args[2:])
	case "decline":
		err = a.runDecline(ctx, os.Args[2:])
	case "sync":
		err = a.runSync(ctx, os.Args[2:])
	case "request-link":
		err = a.runRequestLink(ctx, os.Args[2:])
	case "timestamp":
		err = a.runTimestamp(ctx, os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("signctl %s: %v", os.Args[1], err)
	}
}

func loadConfig() *viper.Viper {
	v := viper.New()
	v.SetConfigName("signctl")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "signdesk"))
	}
	v.SetEnvPrefix("SIGNDESK")
	v.AutomaticEnv()
	v.SetDefault("authority_url", "http://localhost:8090")
	v.SetDefault("tsa_url", "")
	v.SetDefault("tsa_policy", "")
	if home, err := os.UserHomeDir(); err == nil {
		v.SetDefault("db_path", filepath.Join(home, ".local", "share", "signdesk", "client.db"))
	} else {
		v.SetDefault("db_path", "signdesk-client.db")
	}
	_ = v.ReadInConfig() // missing config file is fine; env and defaults apply
	return v
}

func newApp(cfg *viper.Viper) (*app, error) {
	st, err := localstore.Open(cfg.GetString("db_path"))
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	rc := remote.New(cfg.GetString("authority_url"), cfg.GetString("recipient_key"))
	return &app{
		engine: syncengine.New(st, rc),
		remote: rc,
		cfg:    cfg,
	}, nil
}

func sessionFlag(fs *flag.FlagSet) *string {
	return fs.String("session", "", "session id")
}

func (a *app) recipientID() (string, error) {
	key := strings.TrimSpace(a.cfg.GetString("recipient_id"))
	if key == "" {
		return "", errors.New("recipient_id is required (SIGNDESK_RECIPIENT_ID or config)")
	}
	return key, nil
}

// loadMachine builds a state machine over the cached copy of the session.
// The sync engine is the machine's persister, so every transition is durable
// and queued before the call returns.
func (a *app) loadMachine(ctx context.Context, sessionID string) (*session.Machine, string, error) {
	rid, err := a.recipientID()
	if err != nil {
		return nil, "", err
	}
	snap, _, err := a.engine.LoadCached(ctx, sessionID, rid)
	if err != nil {
		return nil, "", err
	}
	if snap == nil {
		return nil, "", fmt.Errorf("session %s is not cached; run signctl fetch first", sessionID)
	}
	m, err := session.Load(snap, rid, session.Options{Persister: a.engine})
	if err != nil {
		return nil, "", err
	}
	return m, rid, nil
}

func (a *app) runFetch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	sid := sessionFlag(fs)
	_ = fs.Parse(args)
	if *sid == "" {
		return errors.New("--session is required")
	}
	rid, err := a.recipientID()
	if err != nil {
		return err
	}
	sess, err := a.remote.FetchSession(ctx, *sid)
	if err != nil {
		var ne *domain.NetworkError
		if errors.As(err, &ne) {
			// Offline fetch falls back to whatever is cached.
			cached, _, cerr := a.engine.LoadCached(ctx, *sid, rid)
			if cerr == nil && cached != nil {
				log.Printf("authority unreachable, using cached copy from local store")
				return printSessionSummary(cached, rid)
			}
		}
		return err
	}
	if err := a.engine.CacheSession(ctx, rid, sess, nil); err != nil {
		return err
	}
	return printSessionSummary(sess, rid)
}

func (a *app) runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	sid := sessionFlag(fs)
	_ = fs.Parse(args)
	if *sid == "" {
		return errors.New("--session is required")
	}
	m, rid, err := a.loadMachine(ctx, *sid)
	if err != nil {
		return err
	}
	snap := m.Session()
	out := map[string]any{
		"session_id": snap.ID,
		"status":     snap.Status,
		"state":      m.State(),
		"sync_state": a.engine.State(snap.ID, rid),
	}
	var actionable, locked []string
	for _, f := range signorder.Actionable(snap, rid) {
		actionable = append(actionable, f.ID)
	}
	for _, f := range signorder.Locked(snap, rid) {
		locked = append(locked, f.ID)
	}
	out["actionable_fields"] = actionable
	out["locked_fields"] = locked
	return printJSON(out)
}

func (a *app) runConsent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("consent", flag.ExitOnError)
	sid := sessionFlag(fs)
	consentText := fs.String("consent-text", "I agree to use electronic records and signatures.", "consent disclosure text")
	_ = fs.Parse(args)
	if *sid == "" {
		return errors.New("--session is required")
	}
	m, _, err := a.loadMachine(ctx, *sid)
	if err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(*consentText))
	hash := fmt.Sprintf("sha256:%x", sum)
	if err := m.RecordConsent(ctx, hash, "signctl"); err != nil {
		return err
	}
	// Best-effort immediate push; a failure here is not a failure of consent,
	// the queued record carries it on the next sync.
	if err := a.remote.RecordConsent(ctx, *sid, "signctl", hash); err != nil {
		var ne *domain.NetworkError
		if errors.As(err, &ne) {
			log.Printf("saved locally, will sync when the authority is reachable")
		} else {
			return err
		}
	}
	return printJSON(map[string]any{"session_id": *sid, "state": m.State()})
}

func (a *app) runFill(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fill", flag.ExitOnError)
	sid := sessionFlag(fs)
	fieldID := fs.String("field", "", "field id")
	image := fs.String("image", "", "signature/initials image reference")
	text := fs.String("text", "", "typed value")
	font := fs.String("font", "", "font for typed signatures")
	date := fs.String("date", "", "date value")
	checked := fs.String("checked", "", "true or false for checkbox fields")
	_ = fs.Parse(args)
	if *sid == "" || *fieldID == "" {
		return errors.New("--session and --field are required")
	}
	m, _, err := a.loadMachine(ctx, *sid)
	if err != nil {
		return err
	}
	value := domain.FieldValue{ImageRef: *image, Text: *text, Font: *font, Date: *date}
	if *checked != "" {
		b := strings.EqualFold(*checked, "true")
		value.Checked = &b
	}
	if err := m.CompleteField(ctx, *fieldID, value); err != nil {
		var inc *domain.OrderingViolationError
		if errors.As(err, &inc) {
			log.Printf("field is locked: waiting on %s", inc.WaitingOn)
		}
		return err
	}
	snap := m.Session()
	next, hasNext := signorder.NextField(signorder.Actionable(snap, snap.Field(*fieldID).RecipientID), *fieldID)
	out := map[string]any{"session_id": *sid, "field_id": *fieldID, "completed": true}
	if hasNext {
		out["next_field"] = next.ID
	}
	return printJSON(out)
}

func (a *app) runFinish(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("finish", flag.ExitOnError)
	sid := sessionFlag(fs)
	_ = fs.Parse(args)
	if *sid == "" {
		return errors.New("--session is required")
	}
	m, _, err := a.loadMachine(ctx, *sid)
	if err != nil {
		return err
	}
	if err := m.Finish(ctx); err != nil {
		var inc *domain.IncompleteRequiredFieldsError
		if errors.As(err, &inc) {
			log.Printf("%d required field(s) remain; next is %s", inc.Remaining, inc.FirstFieldID)
		}
		return err
	}
	return printJSON(map[string]any{"session_id": *sid, "state": m.State()})
}

func (a *app) runDecline(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("decline", flag.ExitOnError)
	sid := sessionFlag(fs)
	reason := fs.String("reason", "", "decline reason")
	_ = fs.Parse(args)
	if *sid == "" {
		return errors.New("--session is required")
	}
	m, _, err := a.loadMachine(ctx, *sid)
	if err != nil {
		return err
	}
	if err := m.Decline(ctx, *reason); err != nil {
		return err
	}
	if err := a.remote.Decline(ctx, *sid, *reason); err != nil {
		var ne *domain.NetworkError
		if errors.As(err, &ne) {
			log.Printf("saved locally, will sync when the authority is reachable")
		} else {
			return err
		}
	}
	return printJSON(map[string]any{"session_id": *sid, "state": m.State()})
}

func (a *app) runSync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	_ = fs.Parse(args)
	results, err := a.engine.Sync(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		out := map[string]any{
			"session_id": r.SessionID,
			"sync_state": r.State,
		}
		if r.AllSigned {
			out["all_signed"] = true
			out["download_url"] = r.DownloadURL
		}
		if r.Conflict != nil {
			out["conflict"] = r.Conflict.Error()
		}
		if err := printJSON(out); err != nil {
			return err
		}
	}
	if len(results) == 0 {
		log.Printf("nothing to sync")
	}
	return nil
}

func (a *app) runRequestLink(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("request-link", flag.ExitOnError)
	sid := sessionFlag(fs)
	_ = fs.Parse(args)
	if *sid == "" {
		return errors.New("--session is required")
	}
	m, _, err := a.loadMachine(ctx, *sid)
	if err != nil {
		return err
	}
	if err := m.RequestNewLink(ctx); err != nil {
		return err
	}
	tok, err := a.remote.RequestNewLink(ctx, *sid)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"session_id": *sid, "link_token": tok})
}

// runTimestamp asks the configured TSA to attest the completed snapshot.
// Timestamping is best effort: any failure leaves the session valid with the
// timestamp simply unset.
func (a *app) runTimestamp(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("timestamp", flag.ExitOnError)
	sid := sessionFlag(fs)
	_ = fs.Parse(args)
	if *sid == "" {
		return errors.New("--session is required")
	}
	tsaURL := strings.TrimSpace(a.cfg.GetString("tsa_url"))
	if tsaURL == "" {
		return errors.New("tsa_url is not configured")
	}
	m, _, err := a.loadMachine(ctx, *sid)
	if err != nil {
		return err
	}
	snap := m.Session()
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(raw)

	reqDER, err := tsa.BuildRequest(digest[:], a.cfg.GetString("tsa_policy"))
	if err != nil {
		return &domain.TimestampError{Stage: "build_request", Err: err}
	}
	requestedAt := time.Now().UTC()
	respDER, err := tsa.NewClient(nil).RequestToken(ctx, tsaURL, reqDER)
	if err != nil {
		log.Printf("timestamp unavailable (%v); signatures remain valid without proof of time", err)
		return nil
	}
	token, err := tsa.ParseResponse(respDER)
	if err != nil {
		log.Printf("timestamp response rejected: %v; signatures remain valid without proof of time", err)
		return nil
	}
	if err := tsa.ValidateToken(token, digest[:], requestedAt); err != nil {
		log.Printf("timestamp token rejected: %v; signatures remain valid without proof of time", err)
		return nil
	}
	if err := m.AttachTimestamp(ctx, token.SerialNumber.String(), token.GenTime); err != nil {
		return err
	}
	return printJSON(map[string]any{
		"session_id": *sid,
		"serial":     token.SerialNumber.String(),
		"gen_time":   token.GenTime.UTC().Format(time.RFC3339),
	})
}

func printSessionSummary(sess *domain.Session, recipientID string) error {
	out := map[string]any{
		"session_id":    sess.ID,
		"document_name": sess.DocumentName,
		"status":        sess.Status,
		"mode":          sess.Mode,
	}
	if rcp := sess.Recipient(recipientID); rcp != nil {
		out["role"] = rcp.Role
		out["consented"] = rcp.Consented()
	}
	return printJSON(out)
}

func printJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
