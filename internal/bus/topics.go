package bus

import "strings"

// DefaultAliasPrefix marks module-private channel topics.
const DefaultAliasPrefix = "$SL/"

// Topics formats the control-plane topic layout under one realm.
type Topics struct {
	Realm string
}

func (t Topics) proc(kind string, ids ...string) string {
	parts := append([]string{t.Realm, "proc", kind}, ids...)
	return strings.Join(parts, separator)
}

func (t Topics) Registration(id string) string { return t.proc("reg", id) }
func (t Topics) Control(id string) string      { return t.proc("control", id) }
func (t Topics) Keepalive(id string) string    { return t.proc("keepalive", id) }

// Log returns {realm}/proc/log/{id}[/{moduleID}].
func (t Topics) Log(id string, moduleID ...string) string {
	return t.proc("log", append([]string{id}, moduleID...)...)
}

func (t Topics) Profile(kind, runtimeID, moduleID string) string {
	return t.proc("profile", kind, runtimeID, moduleID)
}

// RealmLog is the error sink for rejected requests.
func (t Topics) RealmLog() string { return t.proc("log") }

func (t Topics) AllRegistrations() string { return t.proc("reg", MultiLevel) }
func (t Topics) AllControl() string       { return t.proc("control", MultiLevel) }
func (t Topics) AllKeepalives() string    { return t.proc("keepalive", MultiLevel) }

// Alias rewrites {prefix}{suffix} to {realm}/{suffix}/{moduleID}. Topics
// without the prefix are returned unchanged.
func (t Topics) Alias(prefix, topic, moduleID string) string {
	if prefix == "" || !strings.HasPrefix(topic, prefix) {
		return topic
	}
	suffix := strings.Trim(strings.TrimPrefix(topic, prefix), separator)
	if suffix == "" {
		return strings.Join([]string{t.Realm, moduleID}, separator)
	}
	return strings.Join([]string{t.Realm, suffix, moduleID}, separator)
}

// LastLevel returns the final level of topic, e.g. the id of a proc topic.
func LastLevel(topic string) string {
	if i := strings.LastIndex(topic, separator); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
