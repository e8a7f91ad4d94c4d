package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.mau.fi/mautrix-max/pkg/max"
)

// loginSessionTTL bounds how long an in-flight login flow may sit idle
// before the sweeper reclaims it.
const loginSessionTTL = 5 * time.Minute

// ProvisioningAPI implements the dashboard-facing login/logout/status HTTP
// API: a v3 REST flow (bot_token/phone/qr) plus a v1 surface kept for
// Telegram-bridge-style clients that still poll the old shape (C8).
type ProvisioningAPI struct {
	log          *slog.Logger
	sharedSecret string
	sessions     *UserSessionManager
	wsURL        string

	mu           sync.Mutex
	loginSession map[string]*loginSession

	mux *http.ServeMux
}

// loginSession tracks one in-flight login flow (bot_token/phone/qr).
type loginSession struct {
	flow      string // "bot_token", "phone", "qr"
	step      string
	mxid      string
	client    *max.UserClient
	flowToken string // phone: opStartPhoneAuth token
	trackID   string // qr: opQRGenerate track id
	createdAt time.Time
}

// NewProvisioningAPI creates the provisioning HTTP handler and starts its
// idle-session sweeper.
func NewProvisioningAPI(sharedSecret string, sessions *UserSessionManager, wsURL string, log *slog.Logger) *ProvisioningAPI {
	p := &ProvisioningAPI{
		log:          log,
		sharedSecret: sharedSecret,
		sessions:     sessions,
		wsURL:        wsURL,
		loginSession: make(map[string]*loginSession),
		mux:          http.NewServeMux(),
	}
	p.registerRoutes()
	go p.sweepExpiredSessions()
	return p
}

func (p *ProvisioningAPI) registerRoutes() {
	p.mux.HandleFunc("GET /v3/login/flows", p.v3GetLoginFlows)
	p.mux.HandleFunc("POST /v3/login/start/{flowId}", p.v3StartLogin)
	p.mux.HandleFunc("POST /v3/login/step/{loginId}", p.v3LoginStep)

	p.mux.HandleFunc("POST /v1/user/{mxid}/logout", p.v1Logout)
	p.mux.HandleFunc("GET /v1/user/{mxid}/status", p.v1Status)
}

// ServeHTTP implements http.Handler.
func (p *ProvisioningAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

func (p *ProvisioningAPI) checkAuth(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	token = strings.TrimSpace(token)
	return subtle.ConstantTimeCompare([]byte(token), []byte(p.sharedSecret)) == 1
}

func (p *ProvisioningAPI) unauthorized(w http.ResponseWriter) {
	p.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid authorization"})
}

func (p *ProvisioningAPI) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// === v3 REST API ===

func (p *ProvisioningAPI) v3GetLoginFlows(w http.ResponseWriter, r *http.Request) {
	if !p.checkAuth(r) {
		p.unauthorized(w)
		return
	}
	p.writeJSON(w, http.StatusOK, map[string]interface{}{
		"flows": []map[string]string{
			{"id": "bot_token", "name": "Bot Token", "description": "Connect using a Max Bot API token"},
			{"id": "phone", "name": "Phone + SMS", "description": "Login with phone number and SMS verification code"},
			{"id": "qr", "name": "QR Code", "description": "Scan QR code with the Max mobile app"},
		},
	})
}

func (p *ProvisioningAPI) v3StartLogin(w http.ResponseWriter, r *http.Request) {
	if !p.checkAuth(r) {
		p.unauthorized(w)
		return
	}

	flowID := r.PathValue("flowId")
	mxid := r.URL.Query().Get("user_id")
	loginID := uuid.NewString()

	switch flowID {
	case "bot_token":
		p.putSession(loginID, &loginSession{flow: "bot_token", step: "token_input", mxid: mxid, createdAt: time.Now()})
		p.writeJSON(w, http.StatusOK, map[string]interface{}{
			"login_id": loginID,
			"type":     "user_input",
			"user_input": map[string]interface{}{
				"fields": []map[string]string{
					{"id": "token", "type": "password", "name": "Bot Token", "description": "Get your bot token from @metabot in Max"},
				},
			},
		})

	case "phone":
		p.putSession(loginID, &loginSession{flow: "phone", step: "phone_input", mxid: mxid, createdAt: time.Now()})
		p.writeJSON(w, http.StatusOK, map[string]interface{}{
			"login_id": loginID,
			"type":     "user_input",
			"user_input": map[string]interface{}{
				"fields": []map[string]string{
					{"id": "phone", "type": "phone", "name": "Phone Number", "description": "Enter your phone number with country code"},
				},
			},
		})

	case "qr":
		client := max.NewUserClient(p.wsURL, "", "", mxid, p.log)
		ctx := r.Context()
		if err := client.ConnectForAuth(ctx); err != nil {
			p.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("failed to start qr auth: %v", err)})
			return
		}
		trackID, qrLink, expiresAt, err := client.StartQRAuth(ctx)
		if err != nil {
			client.Disconnect(ctx)
			p.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("failed to start qr auth: %v", err)})
			return
		}
		p.putSession(loginID, &loginSession{flow: "qr", step: "qr_scan", mxid: mxid, client: client, trackID: trackID, createdAt: time.Now()})
		p.writeJSON(w, http.StatusOK, map[string]interface{}{
			"login_id": loginID,
			"type":     "display_and_wait",
			"display_and_wait": map[string]interface{}{
				"type":       "qr",
				"data":       qrLink,
				"expires_at": expiresAt,
				"timeout":    120,
			},
		})

	default:
		p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown flow: %s", flowID)})
	}
}

func (p *ProvisioningAPI) v3LoginStep(w http.ResponseWriter, r *http.Request) {
	if !p.checkAuth(r) {
		p.unauthorized(w)
		return
	}

	loginID := r.PathValue("loginId")
	session := p.getSession(loginID)
	if session == nil {
		p.writeJSON(w, http.StatusNotFound, map[string]string{"error": "Invalid login session"})
		return
	}

	var body map[string]string
	json.NewDecoder(r.Body).Decode(&body)
	ctx := r.Context()

	switch {
	case session.flow == "bot_token" && session.step == "token_input":
		token := strings.TrimSpace(body["token"])
		if token == "" {
			p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Token is required"})
			return
		}
		s, err := p.sessions.GetByMXID(ctx, session.mxid)
		if err != nil {
			p.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if err := s.LoginBot(ctx, token); err != nil {
			p.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": fmt.Sprintf("login failed: %v", err)})
			return
		}
		p.deleteSession(loginID)
		p.writeJSON(w, http.StatusOK, map[string]interface{}{"type": "complete", "success": true})

	case session.flow == "phone" && session.step == "phone_input":
		phone := strings.TrimSpace(body["phone"])
		if phone == "" {
			p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Phone number is required"})
			return
		}
		client := max.NewUserClient(p.wsURL, "", "", session.mxid, p.log)
		if err := client.ConnectForAuth(ctx); err != nil {
			p.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("failed to start auth: %v", err)})
			return
		}
		flowToken, _, err := client.StartPhoneAuth(ctx, phone)
		if err != nil {
			client.Disconnect(ctx)
			p.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("failed to start auth: %v", err)})
			return
		}
		session.step = "code_input"
		session.client = client
		session.flowToken = flowToken
		p.writeJSON(w, http.StatusOK, map[string]interface{}{
			"login_id": loginID,
			"type":     "user_input",
			"user_input": map[string]interface{}{
				"fields": []map[string]string{
					{"id": "code", "type": "text", "name": "SMS Code", "description": "Enter the verification code sent to your phone"},
				},
			},
		})

	case session.flow == "phone" && session.step == "code_input":
		code := strings.TrimSpace(body["code"])
		if code == "" {
			p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Code is required"})
			return
		}
		if session.client == nil {
			p.writeJSON(w, http.StatusGone, map[string]string{"error": "Session expired"})
			return
		}
		loginToken, userID, err := session.client.CheckAuthCode(ctx, session.flowToken, code)
		if err != nil || loginToken == "" {
			p.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication failed"})
			return
		}
		p.completeUserLogin(ctx, w, loginID, session, loginToken, userID)

	case session.flow == "qr" && session.step == "qr_scan":
		if session.client == nil {
			p.writeJSON(w, http.StatusGone, map[string]string{"error": "Session expired"})
			return
		}
		available, expired, err := session.client.PollQRAuth(ctx, session.trackID)
		if err != nil || expired {
			p.deleteSession(loginID)
			p.writeJSON(w, http.StatusGone, map[string]string{"error": "qr code expired"})
			return
		}
		if !available {
			p.writeJSON(w, http.StatusOK, map[string]interface{}{"login_id": loginID, "type": "display_and_wait", "status": "waiting"})
			return
		}
		loginToken, userID, err := session.client.ConfirmQRAuth(ctx, session.trackID)
		if err != nil || loginToken == "" {
			p.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication failed"})
			return
		}
		p.completeUserLogin(ctx, w, loginID, session, loginToken, userID)

	default:
		p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid session state"})
	}
}

func (p *ProvisioningAPI) completeUserLogin(ctx context.Context, w http.ResponseWriter, loginID string, session *loginSession, loginToken string, userID int64) {
	s, err := p.sessions.GetByMXID(ctx, session.mxid)
	if err != nil {
		p.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := s.LoginUser(ctx, loginToken, userID); err != nil {
		p.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": fmt.Sprintf("login failed: %v", err)})
		return
	}
	p.deleteSession(loginID)
	p.writeJSON(w, http.StatusOK, map[string]interface{}{"type": "complete", "success": true})
}

// === v1 compatibility API ===

func (p *ProvisioningAPI) v1Logout(w http.ResponseWriter, r *http.Request) {
	if !p.checkAuth(r) {
		p.unauthorized(w)
		return
	}
	mxid := r.PathValue("mxid")
	s, err := p.sessions.GetByMXID(r.Context(), mxid)
	if err != nil {
		p.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := s.Logout(r.Context()); err != nil {
		p.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	p.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (p *ProvisioningAPI) v1Status(w http.ResponseWriter, r *http.Request) {
	if !p.checkAuth(r) {
		p.unauthorized(w)
		return
	}
	mxid := r.PathValue("mxid")
	s, err := p.sessions.GetByMXID(r.Context(), mxid)
	if err != nil {
		p.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !s.IsLoggedIn() {
		p.writeJSON(w, http.StatusOK, map[string]string{"status": "not_logged_in"})
		return
	}
	client := s.Client()
	status := "disconnected"
	if client != nil && client.IsConnected() {
		status = "connected"
	}
	p.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"mode":        s.ConnectionMode,
		"max_user_id": s.MaxUserID,
	})
}

// === session bookkeeping ===

func (p *ProvisioningAPI) putSession(loginID string, s *loginSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loginSession[loginID] = s
}

func (p *ProvisioningAPI) getSession(loginID string) *loginSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loginSession[loginID]
}

func (p *ProvisioningAPI) deleteSession(loginID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.loginSession, loginID)
}

// sweepExpiredSessions reclaims login flows abandoned mid-way (e.g. a QR
// code never scanned), closing any half-open auth WebSocket they hold.
func (p *ProvisioningAPI) sweepExpiredSessions() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		for id, s := range p.loginSession {
			if time.Since(s.createdAt) > loginSessionTTL {
				if s.client != nil {
					s.client.Disconnect(context.Background())
				}
				delete(p.loginSession, id)
			}
		}
		p.mu.Unlock()
	}
}
