// Package totpgate enforces a second factor in front of agent dispatch.
//
// Chats whose linked user has TOTP configured must present a valid six-digit
// code before messages flow to the agent. Successful verification opens a
// short-lived session; the message that triggered the challenge is parked
// and handed back on Verified so the user does not have to retype it.
package totpgate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/telclaude/telclaude/internal/store"
)

// Kind discriminates gate outcomes.
type Kind int

const (
	// Pass means no TOTP applies; the message proceeds.
	Pass Kind = iota
	// Challenge means the message was parked pending a code.
	Challenge
	// Verified means a code was accepted and a session opened.
	Verified
	// InvalidCode means a six-digit code was presented and rejected.
	InvalidCode
	// Error means the gate could not decide and the message must not pass.
	Error
)

func (k Kind) String() string {
	switch k {
	case Pass:
		return "pass"
	case Challenge:
		return "challenge"
	case Verified:
		return "verified"
	case InvalidCode:
		return "invalid_code"
	default:
		return "error"
	}
}

// DefaultSessionTTL is how long a verified session lasts.
const DefaultSessionTTL = 30 * time.Minute

// parkedTTL bounds how long a challenged message waits for its code.
const parkedTTL = 10 * time.Minute

var codeRE = regexp.MustCompile(`^\d{6}$`)

// ParkedMessage is the message that was held while the user authenticated.
type ParkedMessage struct {
	MessageID string
	Body      string
	MediaRef  string
	SenderRef string
}

// Result is the outcome of one gate check.
type Result struct {
	Kind Kind
	// Text is user-visible guidance for Challenge, InvalidCode and Error.
	Text string
	// Parked is the restored message, set only on Verified.
	Parked *ParkedMessage
}

// Message is the inbound message under evaluation.
type Message struct {
	MessageID string
	Body      string
	MediaRef  string
	SenderRef string
}

// Gate evaluates the TOTP requirement for inbound messages.
type Gate struct {
	st         *store.Store
	daemon     DaemonClient
	sessionTTL time.Duration
}

// New creates a Gate. sessionTTL <= 0 selects DefaultSessionTTL.
func New(st *store.Store, daemon DaemonClient, sessionTTL time.Duration) *Gate {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &Gate{st: st, daemon: daemon, sessionTTL: sessionTTL}
}

// Check runs the gate for one inbound message.
//
// Unreachable daemon plus an identity link fails closed: the caller gets
// Error and must not forward the message. Unlinked chats pass on daemon
// failure since no TOTP could apply to them.
func (g *Gate) Check(ctx context.Context, chatID string, msg Message) (*Result, error) {
	link, err := g.st.GetLink(ctx, chatID)
	if err != nil && !errors.Is(err, store.ErrNoLink) {
		return nil, err
	}
	linked := link != nil

	if linked {
		open, err := g.hasOpenSession(ctx, link.LocalUserID)
		if err != nil {
			return nil, err
		}
		if open {
			return &Result{Kind: Pass}, nil
		}
	}

	userID := chatID
	if linked {
		userID = link.LocalUserID
	}

	configured, err := g.daemon.Check(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrDaemonUnavailable) && linked {
			return &Result{
				Kind: Error,
				Text: "Authentication service is unavailable. Your message was not processed; please try again later.",
			}, nil
		}
		if errors.Is(err, ErrDaemonUnavailable) {
			return &Result{Kind: Pass}, nil
		}
		return nil, err
	}
	if !configured {
		return &Result{Kind: Pass}, nil
	}

	if codeRE.MatchString(msg.Body) {
		return g.verify(ctx, chatID, userID, msg.Body)
	}

	if err := g.parkMessage(ctx, chatID, msg); err != nil {
		return nil, err
	}
	return &Result{
		Kind: Challenge,
		Text: "This chat requires two-factor authentication. Reply with your 6-digit code to continue; your message will be processed after verification.",
	}, nil
}

// verify checks the code with the daemon and opens a session on success.
func (g *Gate) verify(ctx context.Context, chatID, userID, code string) (*Result, error) {
	ok, err := g.daemon.Verify(ctx, userID, code)
	if err != nil {
		return &Result{
			Kind: Error,
			Text: "Authentication service is unavailable. Please try again later.",
		}, nil
	}
	if !ok {
		return &Result{
			Kind: InvalidCode,
			Text: "Invalid code. Please try again.",
		}, nil
	}

	now := time.Now().UnixMilli()
	_, err = g.st.DB().ExecContext(ctx, `
		INSERT INTO totp_sessions (local_user_id, created_at_ms, expires_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(local_user_id) DO UPDATE SET
			created_at_ms = excluded.created_at_ms,
			expires_at_ms = excluded.expires_at_ms
	`, userID, now, now+g.sessionTTL.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("totpgate: open session: %w", err)
	}

	parked, err := g.takeParkedMessage(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &Result{Kind: Verified, Parked: parked}, nil
}

func (g *Gate) hasOpenSession(ctx context.Context, userID string) (bool, error) {
	var expires int64
	err := g.st.DB().QueryRowContext(ctx, `
		SELECT expires_at_ms FROM totp_sessions WHERE local_user_id = ?
	`, userID).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("totpgate: query session: %w", err)
	}
	return time.Now().UnixMilli() < expires, nil
}

// parkMessage holds msg for chatID, replacing any earlier parked message.
func (g *Gate) parkMessage(ctx context.Context, chatID string, msg Message) error {
	now := time.Now().UnixMilli()
	var mediaRef sql.NullString
	if msg.MediaRef != "" {
		mediaRef = sql.NullString{String: msg.MediaRef, Valid: true}
	}
	_, err := g.st.DB().ExecContext(ctx, `
		INSERT INTO pending_totp_messages (chat_id, message_id, body, media_ref, sender_ref, created_at_ms, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			message_id = excluded.message_id,
			body = excluded.body,
			media_ref = excluded.media_ref,
			sender_ref = excluded.sender_ref,
			created_at_ms = excluded.created_at_ms,
			expires_at_ms = excluded.expires_at_ms
	`, chatID, msg.MessageID, msg.Body, mediaRef, msg.SenderRef, now, now+parkedTTL.Milliseconds())
	if err != nil {
		return fmt.Errorf("totpgate: park message: %w", err)
	}
	return nil
}

// takeParkedMessage pops the parked message for chatID, dropping it if stale.
func (g *Gate) takeParkedMessage(ctx context.Context, chatID string) (*ParkedMessage, error) {
	p := &ParkedMessage{}
	var mediaRef sql.NullString
	var expires int64
	err := g.st.DB().QueryRowContext(ctx, `
		SELECT message_id, body, media_ref, sender_ref, expires_at_ms
		FROM pending_totp_messages WHERE chat_id = ?
	`, chatID).Scan(&p.MessageID, &p.Body, &mediaRef, &p.SenderRef, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("totpgate: query parked message: %w", err)
	}
	if mediaRef.Valid {
		p.MediaRef = mediaRef.String
	}

	if _, err := g.st.DB().ExecContext(ctx, `DELETE FROM pending_totp_messages WHERE chat_id = ?`, chatID); err != nil {
		return nil, fmt.Errorf("totpgate: drop parked message: %w", err)
	}
	if time.Now().UnixMilli() > expires {
		return nil, nil
	}
	return p, nil
}

// ForceReauth invalidates the open session for a chat's linked user, both in
// the store and daemon-side.
func (g *Gate) ForceReauth(ctx context.Context, chatID string) error {
	link, err := g.st.GetLink(ctx, chatID)
	if err != nil {
		return err
	}
	if _, err := g.st.DB().ExecContext(ctx, `DELETE FROM totp_sessions WHERE local_user_id = ?`, link.LocalUserID); err != nil {
		return fmt.Errorf("totpgate: invalidate session: %w", err)
	}
	if err := g.daemon.Invalidate(ctx, link.LocalUserID); err != nil && !errors.Is(err, ErrDaemonUnavailable) {
		return err
	}
	return nil
}
