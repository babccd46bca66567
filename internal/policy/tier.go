package policy

import (
	"context"
	"errors"

	"github.com/telclaude/telclaude/internal/store"
)

// Tier is a permission tier for agent dispatch.
type Tier string

const (
	TierReadOnly   Tier = "READ_ONLY"
	TierWriteLocal Tier = "WRITE_LOCAL"
	TierFullAccess Tier = "FULL_ACCESS"
	TierSocial     Tier = "SOCIAL"
)

// ValidTier reports whether t is a known tier value.
func ValidTier(t Tier) bool {
	switch t {
	case TierReadOnly, TierWriteLocal, TierFullAccess, TierSocial:
		return true
	}
	return false
}

// UserTier resolves the permission tier for a chat.
//
// Resolution order: identity link to local-user tier, then raw chat id, then
// the configured default. A chat linked to the admin user always gets
// FULL_ACCESS. FULL_ACCESS degrades to WRITE_LOCAL when the sandbox probe
// fails, because unsandboxed full access is never granted implicitly.
func (e *Engine) UserTier(ctx context.Context, chatID string) (Tier, error) {
	tier := e.cfg.DefaultTier
	if tier == "" {
		tier = TierReadOnly
	}

	link, err := e.st.GetLink(ctx, chatID)
	switch {
	case err == nil:
		if link.LocalUserID == store.AdminUserID {
			tier = TierFullAccess
		} else if t, ok := e.cfg.UserTiers[link.LocalUserID]; ok {
			tier = t
		} else if t, ok := e.cfg.ChatTiers[chatID]; ok {
			tier = t
		}
	case errors.Is(err, store.ErrNoLink):
		if t, ok := e.cfg.ChatTiers[chatID]; ok {
			tier = t
		}
	default:
		return "", err
	}

	if tier == TierFullAccess {
		if err := e.probe.Ready(ctx); err != nil {
			e.log.Error("sandbox not ready, degrading tier",
				"chat_id", chatID, "from", TierFullAccess, "to", TierWriteLocal, "err", err)
			return TierWriteLocal, nil
		}
	}
	return tier, nil
}
