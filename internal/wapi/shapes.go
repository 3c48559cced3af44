package wapi

// Shape builds one candidate request body. The provider's accepted field
// names for recipient and message differ between phone and group recipients
// and are not documented consistently, so several are tried in order.
type Shape struct {
	Name  string
	Build func(recipient, text string) map[string]any
}

func fieldShape(recipientKey, messageKey string) Shape {
	return Shape{
		Name: recipientKey + "/" + messageKey,
		Build: func(recipient, text string) map[string]any {
			return map[string]any{
				recipientKey: recipient,
				messageKey:   text,
			}
		},
	}
}

func phoneShapes() []Shape {
	return []Shape{
		fieldShape("phone", "message"),
		fieldShape("phone", "text"),
		fieldShape("number", "text"),
		fieldShape("number", "message"),
		fieldShape("to", "message"),
		fieldShape("chatId", "message"),
	}
}

func groupShapes() []Shape {
	return []Shape{
		fieldShape("groupId", "message"),
		fieldShape("groupId", "text"),
		fieldShape("chatId", "message"),
		fieldShape("chatId", "text"),
	}
}

// CandidateShapes returns the ordered candidates for a recipient kind. Group
// recipients try the group shapes first and then the phone shapes.
func CandidateShapes(group bool) []Shape {
	if !group {
		return phoneShapes()
	}
	out := groupShapes()
	seen := make(map[string]bool, len(out))
	for _, s := range out {
		seen[s.Name] = true
	}
	for _, s := range phoneShapes() {
		if !seen[s.Name] {
			out = append(out, s)
		}
	}
	return out
}
