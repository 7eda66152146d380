// Package localization provides a default English implementation of
// event.Localizations, the string table the event summary renderer
// dispatches into.
package localization

import "fmt"

// English is the default event.Localizations implementation. It satisfies
// the interface by value; callers typically share a single instance since
// it holds no state.
type English struct{}

func (English) AcceptedInvite(who string) string { return fmt.Sprintf("%s accepted the invitation", who) }
func (English) RejectedInvite(who string) string { return fmt.Sprintf("%s rejected the invitation", who) }
func (English) WithdrewInvite(sender, target string) string {
	return fmt.Sprintf("%s withdrew %s's invitation", sender, target)
}
func (English) InvitedUser(sender, target string) string {
	return fmt.Sprintf("%s invited %s", sender, target)
}
func (English) Joined(who string) string { return fmt.Sprintf("%s joined the room", who) }
func (English) KickedAndBanned(sender, target string) string {
	return fmt.Sprintf("%s kicked and banned %s", sender, target)
}
func (English) Kicked(sender, target string) string { return fmt.Sprintf("%s kicked %s", sender, target) }
func (English) Left(who string) string              { return fmt.Sprintf("%s left the room", who) }
func (English) Banned(sender, target string) string { return fmt.Sprintf("%s banned %s", sender, target) }
func (English) Unbanned(sender, target string) string {
	return fmt.Sprintf("%s unbanned %s", sender, target)
}
func (English) ChangedAvatar(who string) string { return fmt.Sprintf("%s changed their avatar", who) }
func (English) ChangedDisplayname(who string) string {
	return fmt.Sprintf("%s changed their display name", who)
}
func (English) NoChange(who string) string { return fmt.Sprintf("%s made no visible change", who) }

func (English) SentText(sender, body string) string   { return fmt.Sprintf("%s: %s", sender, body) }
func (English) SentEmote(sender, body string) string   { return fmt.Sprintf("* %s %s", sender, body) }
func (English) SentNotice(sender, body string) string  { return fmt.Sprintf("%s: %s", sender, body) }
func (English) SentImage(sender string) string         { return fmt.Sprintf("%s sent an image", sender) }
func (English) SentVideo(sender string) string         { return fmt.Sprintf("%s sent a video", sender) }
func (English) SentAudio(sender string) string         { return fmt.Sprintf("%s sent an audio clip", sender) }
func (English) SentFile(sender string) string          { return fmt.Sprintf("%s sent a file", sender) }
func (English) SentSticker(sender, body string) string { return fmt.Sprintf("%s sent a sticker: %s", sender, body) }
func (English) SentLocation(sender string) string      { return fmt.Sprintf("%s shared a location", sender) }
func (English) Reacted(sender, key string) string      { return fmt.Sprintf("%s reacted with %s", sender, key) }
func (English) Redacted(sender string) string          { return fmt.Sprintf("%s deleted a message", sender) }
func (English) ChangedTopic(sender, topic string) string {
	return fmt.Sprintf("%s changed the topic to \"%s\"", sender, topic)
}
func (English) ChangedName(sender, name string) string {
	return fmt.Sprintf("%s changed the room name to \"%s\"", sender, name)
}
func (English) UnknownEvent(evtType string) string { return fmt.Sprintf("sent a %s event", evtType) }

func (English) You() string { return "You" }
