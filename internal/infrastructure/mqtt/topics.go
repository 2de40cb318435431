package mqtt

import "strings"

// TopicPrefix is the root of every gateway topic.
const TopicPrefix = "gateway"

// Topics builds gateway MQTT topics.
//
//	gateway/state/{asset}/{control}     retained state mirror
//	gateway/command/{asset}/{control}   inbound control commands
//	gateway/system/status               online/offline (LWT)
type Topics struct{}

// State returns the retained state topic for one asset control.
func (Topics) State(assetID, controlKey string) string {
	return TopicPrefix + "/state/" + assetID + "/" + controlKey
}

// Command returns the command topic for one asset control.
func (Topics) Command(assetID, controlKey string) string {
	return TopicPrefix + "/command/" + assetID + "/" + controlKey
}

// AllCommands matches every command topic.
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+/+"
}

// SystemStatus is the gateway's online/offline topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// ParseCommand splits a command topic into asset id and control key.
func (Topics) ParseCommand(topic string) (assetID, controlKey string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefix+"/command/")
	if !found {
		return "", "", false
	}
	assetID, controlKey, found = strings.Cut(rest, "/")
	if !found || assetID == "" || controlKey == "" || strings.Contains(controlKey, "/") {
		return "", "", false
	}
	return assetID, controlKey, true
}

// ValidSegment reports whether s can be used as one topic level.
// Wildcards, separators and NUL are not allowed.
func ValidSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#\x00")
}
