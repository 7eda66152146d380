package event

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Localizations is the pluggable string provider the summary renderer
// dispatches into. Implementations only need to translate/format; all
// membership-transition and msgtype dispatch logic lives in GetSummary.
type Localizations interface {
	AcceptedInvite(who string) string
	RejectedInvite(who string) string
	WithdrewInvite(sender, target string) string
	InvitedUser(sender, target string) string
	Joined(who string) string
	KickedAndBanned(sender, target string) string
	Kicked(sender, target string) string
	Left(who string) string
	Banned(sender, target string) string
	Unbanned(sender, target string) string
	ChangedAvatar(who string) string
	ChangedDisplayname(who string) string
	NoChange(who string) string

	SentText(sender, body string) string
	SentEmote(sender, body string) string
	SentNotice(sender, body string) string
	SentImage(sender string) string
	SentVideo(sender string) string
	SentAudio(sender string) string
	SentFile(sender string) string
	SentSticker(sender, body string) string
	SentLocation(sender string) string
	Reacted(sender, key string) string
	Redacted(sender string) string
	ChangedTopic(sender, topic string) string
	ChangedName(sender, name string) string
	UnknownEvent(evtType string) string

	You() string
}

// DisplayNameResolver looks up a room member's display name (or the raw
// user ID as a fallback) for use in summaries.
type DisplayNameResolver func(userID string) string

// replyFallbackRe strips the quoted-reply preamble matrix clients prepend
// to the body of a reply, per the documented stripping regex.
var replyFallbackRe = regexp.MustCompile(`(?m)^>( \*)? <[^>]+>[^\n\r]+\r?\n(> [^\n]*\r?\n)*\r?\n`)

// StripReplyFallback removes a single leading reply-fallback quote block
// from body, if present.
func StripReplyFallback(body string) string {
	if loc := replyFallbackRe.FindStringIndex(body); loc != nil && loc[0] == 0 {
		return body[loc[1]:]
	}
	return body
}

// textLikeMsgTypes is the set of message types whose room-list preview is
// prefixed with the sender's name (or "you").
var textLikeMsgTypes = map[string]bool{
	"m.text": true, "m.notice": true, "m.emote": true, "m.none": true,
}

// GetSummary renders a human-readable sentence for this event. localUserID
// identifies the local session's user, used to render "you" instead of the
// local user's own display name and to pick the right side of self-vs-other
// membership transitions. resolveName looks up a display name for a user
// ID; preview selects the room-list-preview rendering, which additionally
// prefixes text-like message types with the sender's name.
func (e *Event) GetSummary(loc Localizations, localUserID string, resolveName DisplayNameResolver, preview bool) string {
	senderName := e.nameOf(e.Sender.String(), localUserID, loc, resolveName)
	switch e.Type {
	case "m.room.member":
		return e.membershipSummary(loc, localUserID, resolveName)
	case "m.room.message", "m.sticker":
		return e.messageSummary(loc, senderName, preview)
	case "m.reaction":
		key := gjson.GetBytes(e.Content, "m.relates_to.key").Str
		return loc.Reacted(senderName, key)
	case "m.room.redaction":
		return loc.Redacted(senderName)
	case "m.room.topic":
		return loc.ChangedTopic(senderName, gjson.GetBytes(e.Content, "topic").Str)
	case "m.room.name":
		return loc.ChangedName(senderName, gjson.GetBytes(e.Content, "name").Str)
	default:
		return loc.UnknownEvent(e.Type)
	}
}

func (e *Event) nameOf(userID, localUserID string, loc Localizations, resolveName DisplayNameResolver) string {
	if userID == localUserID {
		return loc.You()
	}
	if resolveName != nil {
		return resolveName(userID)
	}
	return userID
}

// membershipSummary implements the old->new membership transition table:
// who transitioned, from what, to what, and (for leave) whether it was
// the target acting on themselves or someone else acting on the target.
func (e *Event) membershipSummary(loc Localizations, localUserID string, resolveName DisplayNameResolver) string {
	target := e.StateKeyOr()
	sender := e.nameOf(e.Sender.String(), localUserID, loc, resolveName)
	targetName := e.nameOf(target, localUserID, loc, resolveName)
	oldM, newM := e.PrevMembership(), e.Membership()
	if oldM == "" {
		oldM = "leave"
	}
	selfActing := target == e.Sender.String()

	switch {
	case oldM == newM:
		return e.noChangeSummary(loc, targetName)
	case oldM == "invite" && newM == "join":
		return loc.AcceptedInvite(targetName)
	case oldM == "invite" && newM == "leave" && selfActing:
		return loc.RejectedInvite(targetName)
	case oldM == "invite" && newM == "leave" && !selfActing:
		return loc.WithdrewInvite(sender, targetName)
	case oldM == "leave" && newM == "join":
		return loc.Joined(targetName)
	case oldM == "join" && newM == "ban":
		return loc.KickedAndBanned(sender, targetName)
	case oldM == "join" && newM == "leave" && !selfActing:
		return loc.Kicked(sender, targetName)
	case oldM == "join" && newM == "leave" && selfActing:
		return loc.Left(targetName)
	case (oldM == "invite" || oldM == "leave") && newM == "ban":
		return loc.Banned(sender, targetName)
	case oldM == "ban" && newM == "leave":
		return loc.Unbanned(sender, targetName)
	case newM == "invite":
		return loc.InvitedUser(sender, targetName)
	default:
		return loc.UnknownEvent(e.Type)
	}
}

func (e *Event) noChangeSummary(loc Localizations, targetName string) string {
	oldAvatar := gjson.GetBytes(e.PrevContent, "avatar_url").Str
	newAvatar := gjson.GetBytes(e.Content, "avatar_url").Str
	if oldAvatar != newAvatar {
		return loc.ChangedAvatar(targetName)
	}
	oldName := gjson.GetBytes(e.PrevContent, "displayname").Str
	newName := gjson.GetBytes(e.Content, "displayname").Str
	if oldName != newName {
		return loc.ChangedDisplayname(targetName)
	}
	return loc.NoChange(targetName)
}

func (e *Event) messageSummary(loc Localizations, senderName string, preview bool) string {
	body := StripReplyFallback(e.Body())
	msgtype := e.MessageType()
	var rendered string
	switch msgtype {
	case "m.sticker":
		rendered = loc.SentSticker(senderName, body)
	case "m.emote":
		rendered = loc.SentEmote(senderName, body)
	case "m.notice":
		rendered = loc.SentNotice(senderName, body)
	case "m.image":
		rendered = loc.SentImage(senderName)
	case "m.video":
		rendered = loc.SentVideo(senderName)
	case "m.audio":
		rendered = loc.SentAudio(senderName)
	case "m.file":
		rendered = loc.SentFile(senderName)
	case "m.location":
		rendered = loc.SentLocation(senderName)
	default:
		rendered = loc.SentText(senderName, body)
	}
	if preview && textLikeMsgTypes[msgtype] {
		return fmt.Sprintf("%s: %s", senderName, strings.TrimSpace(body))
	}
	return rendered
}
