package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jrsteele09/tg-chat-gateway/identity"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/jrsteele09/tg-chat-gateway/quota"
	"github.com/rs/zerolog/log"
)

const (
	greeting       = "Hi %s! Send me a message and I'll answer. Use /new to start a fresh conversation and /usage to see today's limit."
	helpText       = "/new - start a new conversation\n/usage - show today's usage\n/help - this message"
	adminHelp      = "\n\nOperator:\n/block <id>\n/unblock <id>\n/plan <id> <free|pro>"
	signedIn       = "You're signed in. Return to your browser to continue."
	alreadyUsed    = "This sign-in link was already used. Return to your browser."
	linkExpired    = "This sign-in link has expired. Request a new one in your browser."
	blockedText    = "Your account has been blocked."
	genericFailure = "Something went wrong. Please try again later."
	textOnly       = "I can only read text messages."
	unknownCommand = "Unknown command. Try /help."
)

func (b *Bot) handleCommand(ctx context.Context, in inbound, command, args string) {
	switch command {
	case "start":
		if args != "" {
			b.confirm(ctx, in, args)
			return
		}
		b.start(ctx, in)
	case "new":
		b.newConversation(ctx, in)
	case "usage":
		b.showUsage(ctx, in)
	case "help":
		text := helpText
		if b.isAdmin(in.profile.ID) {
			text += adminHelp
		}
		b.reply(ctx, in.chatID, text)
	case "block", "unblock", "plan":
		if !b.isAdmin(in.profile.ID) {
			b.reply(ctx, in.chatID, unknownCommand)
			return
		}
		b.reply(ctx, in.chatID, b.operator(ctx, command, strings.Fields(args)))
	default:
		b.reply(ctx, in.chatID, unknownCommand)
	}
}

func (b *Bot) confirm(ctx context.Context, in inbound, code string) {
	_, err := b.handshakes.ConfirmHandshake(ctx, code, in.profile)
	switch {
	case err == nil:
		b.reply(ctx, in.chatID, signedIn)
	case apperrors.Is(err, apperrors.ErrHandshakeAlreadyResolved):
		log.Info().Int64("identity", in.profile.ID).Msg("duplicate handshake confirmation ignored")
		b.reply(ctx, in.chatID, alreadyUsed)
	case apperrors.Is(err, apperrors.ErrHandshakeNotFound), apperrors.Is(err, apperrors.ErrHandshakeExpired):
		b.reply(ctx, in.chatID, linkExpired)
	case apperrors.Is(err, apperrors.ErrIdentityBlocked):
		b.reply(ctx, in.chatID, blockedText)
	default:
		log.Err(err).Int64("identity", in.profile.ID).Msg("handshake confirmation failed")
		b.reply(ctx, in.chatID, genericFailure)
	}
}

func (b *Bot) start(ctx context.Context, in inbound) {
	if _, ok := b.ensure(ctx, in); !ok {
		return
	}
	name := in.profile.DisplayName
	if name == "" {
		name = "there"
	}
	b.reply(ctx, in.chatID, fmt.Sprintf(greeting, name))
}

func (b *Bot) newConversation(ctx context.Context, in inbound) {
	if _, ok := b.ensure(ctx, in); !ok {
		return
	}
	if _, err := b.chats.StartNew(ctx, in.profile.ID); err != nil {
		log.Err(err).Int64("identity", in.profile.ID).Msg("failed to start conversation")
		b.reply(ctx, in.chatID, genericFailure)
		return
	}
	b.reply(ctx, in.chatID, "Started a new conversation.")
}

func (b *Bot) showUsage(ctx context.Context, in inbound) {
	if _, ok := b.ensure(ctx, in); !ok {
		return
	}
	usage, err := b.usage.Usage(ctx, in.profile.ID)
	if err != nil {
		log.Err(err).Int64("identity", in.profile.ID).Msg("failed to read usage")
		b.reply(ctx, in.chatID, genericFailure)
		return
	}
	b.reply(ctx, in.chatID, fmt.Sprintf("Used %d of %d messages today, %d left. Resets at %s.",
		usage.Used, usage.Limit, usage.Remaining, usage.ResetsAt.Format("15:04 MST")))
}

func (b *Bot) handleText(ctx context.Context, in inbound, text string) {
	if _, ok := b.ensure(ctx, in); !ok {
		return
	}
	b.typing(in.chatID)

	result, err := b.chats.SendToLatest(ctx, in.profile.ID, text)
	var exceeded *quota.ExceededError
	switch {
	case err == nil:
		b.reply(ctx, in.chatID, result.Reply.Content)
	case apperrors.As(err, &exceeded):
		b.reply(ctx, in.chatID, fmt.Sprintf("You've reached today's limit of %d messages. It resets at %s.",
			exceeded.Usage.Limit, exceeded.Usage.ResetsAt.Format("15:04 MST")))
	case apperrors.Is(err, apperrors.ErrGenerationFailed) && result != nil:
		b.reply(ctx, in.chatID, result.Notice)
	case apperrors.Is(err, apperrors.ErrEmptyMessage), apperrors.Is(err, apperrors.ErrInvalidRequest):
		b.reply(ctx, in.chatID, "That message can't be sent. Keep it under 8000 characters.")
	default:
		log.Err(err).Int64("identity", in.profile.ID).Msg("telegram send failed")
		b.reply(ctx, in.chatID, genericFailure)
	}
}

// ensure creates the sender's identity on first contact. It replies and
// returns false when the identity is blocked or cannot be stored.
func (b *Bot) ensure(ctx context.Context, in inbound) (*identity.Identity, bool) {
	ident, err := b.identities.Ensure(ctx, identity.New(in.profile, identity.PlanFree, b.defaultLimit, b.nowFunc()))
	if err != nil {
		log.Err(err).Int64("identity", in.profile.ID).Msg("failed to ensure identity")
		b.reply(ctx, in.chatID, genericFailure)
		return nil, false
	}
	if ident.Blocked {
		b.reply(ctx, in.chatID, blockedText)
		return nil, false
	}
	return ident, true
}

func (b *Bot) isAdmin(id int64) bool {
	_, ok := b.admins[id]
	return ok
}

// operator runs an admin command and returns the reply text.
func (b *Bot) operator(ctx context.Context, command string, args []string) string {
	if len(args) == 0 {
		return "Usage:" + adminHelp[len("\n\nOperator:"):]
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Sprintf("%q is not a user id.", args[0])
	}

	switch command {
	case "block", "unblock":
		blocked := command == "block"
		err = b.identities.SetBlocked(ctx, id, blocked)
		if err == nil {
			log.Info().Int64("identity", id).Bool("blocked", blocked).Msg("identity block state changed")
			return fmt.Sprintf("User %d %sed.", id, command)
		}
	case "plan":
		if len(args) < 2 {
			return "Usage: /plan <id> <free|pro>"
		}
		plan, perr := identity.ParsePlan(args[1])
		if perr != nil {
			return perr.Error()
		}
		limit := b.defaultLimit
		if plan == identity.PlanPro {
			limit = b.proLimit
		}
		err = b.identities.SetPlan(ctx, id, plan, limit)
		if err == nil {
			log.Info().Int64("identity", id).Str("plan", string(plan)).Msg("identity plan changed")
			return fmt.Sprintf("User %d is now on %s (%d messages a day).", id, plan, limit)
		}
	}

	if apperrors.Is(err, apperrors.ErrIdentityNotFound) {
		return fmt.Sprintf("User %d not found.", id)
	}
	log.Err(err).Int64("identity", id).Str("command", command).Msg("operator command failed")
	return genericFailure
}
