package notify

import "github.com/sgerhart/aegisflux/backend/alertengine/internal/model"

// defaultChannels is the preference table used when a tenant has not customized a type
var defaultChannels = map[model.NotificationType][]model.Channel{
	model.NotificationAlert:         {model.ChannelLive, model.ChannelEmail, model.ChannelChatOps},
	model.NotificationThreat:        {model.ChannelLive, model.ChannelEmail, model.ChannelChatOps, model.ChannelSMS},
	model.NotificationSystem:        {model.ChannelLive},
	model.NotificationAuth:          {model.ChannelLive, model.ChannelEmail},
	model.NotificationNetwork:       {model.ChannelLive, model.ChannelEmail},
	model.NotificationFileIntegrity: {model.ChannelLive, model.ChannelEmail},
	model.NotificationAnomaly:       {model.ChannelLive, model.ChannelEmail, model.ChannelChatOps},
}

// DefaultChannels returns the default channel set for a notification type
func DefaultChannels(t model.NotificationType) []model.Channel {
	return append([]model.Channel(nil), defaultChannels[t]...)
}

// Escalate applies the priority rules to a resolved channel set:
// critical widens to every channel, high guarantees live plus one more.
// It reports whether the set changed.
func Escalate(p model.Priority, channels []model.Channel) ([]model.Channel, bool) {
	set := channelSet(channels)
	before := len(set)

	switch p {
	case model.PriorityCritical:
		for _, ch := range model.AllChannels {
			set[ch] = true
		}
	case model.PriorityHigh:
		set[model.ChannelLive] = true
		if len(set) == 1 {
			set[model.ChannelEmail] = true
		}
	}

	return canonical(set), len(set) != before
}

func channelSet(channels []model.Channel) map[model.Channel]bool {
	set := make(map[model.Channel]bool, len(channels))
	for _, ch := range channels {
		if ch.Valid() {
			set[ch] = true
		}
	}
	return set
}

// canonical returns the set in live, chatops, email, sms order
func canonical(set map[model.Channel]bool) []model.Channel {
	out := make([]model.Channel, 0, len(set))
	for _, ch := range model.AllChannels {
		if set[ch] {
			out = append(out, ch)
		}
	}
	return out
}
