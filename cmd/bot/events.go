package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/voicemimic/internal/logging"
)

const maxEventPayload = 4 * 1024

// sensitiveKeys lists JSON keys which must never be logged in plaintext.
var sensitiveKeys = map[string]struct{}{
	"token": {}, "session_id": {}, "access_token": {}, "refresh_token": {},
	"authorization": {}, "password": {}, "email": {}, "client_secret": {},
}

// redactAny walks a decoded JSON value and replaces values of sensitive
// keys in place.
func redactAny(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				vv[k] = "<redacted>"
				continue
			}
			vv[k] = redactAny(val)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = redactAny(it)
		}
		return vv
	default:
		return v
	}
}

// eventPayload renders raw gateway JSON with secrets redacted, truncated
// to max bytes.
func eventPayload(raw []byte, max int) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "<raw data omitted>"
	}
	b, err := json.Marshal(redactAny(v))
	if err != nil {
		return "<raw data omitted>"
	}
	if max > 0 && len(b) > max {
		return string(b[:max]) + fmt.Sprintf("<truncated %d bytes>", len(b))
	}
	return string(b)
}

func logVoiceState(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.VoiceState == nil {
		return
	}
	fields := append(logging.UserFields(vs.UserID, ""), logging.ChannelFields(vs.ChannelID, "")...)
	fields = append(fields, "self_mute", vs.SelfMute, "self_deaf", vs.SelfDeaf)
	logging.Debugw("voice state update", fields...)
}

// logGatewayEvent dumps every gateway event at debug level.
func logGatewayEvent(_ *discordgo.Session, evt *discordgo.Event) {
	if evt == nil {
		return
	}
	logging.Debugw("discord event", "type", evt.Type, "payload", eventPayload(evt.RawData, maxEventPayload))
}
