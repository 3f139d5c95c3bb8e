package dialog

import "strings"

// ChannelKey is the conversation key for a messaging-channel dialog.
func ChannelKey(instanceID, contactID string) string {
	return instanceID + ":" + normalizeContact(contactID)
}

// CRMKey is the conversation key for a CRM entity.
func CRMKey(kind, entityType, entityID string) string {
	return strings.ToLower(kind) + ":" + strings.ToLower(entityType) + ":" + entityID
}

// normalizeContact strips the transport suffix some channels append to
// contact ids ("79001234567@s.whatsapp.net") so one person maps to one key.
func normalizeContact(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.IndexByte(id, '@'); i > 0 {
		id = id[:i]
	}
	return strings.TrimPrefix(id, "+")
}
