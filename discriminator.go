package mediatx

// Discriminator decides whether a received envelope belongs to a class
// (request, notification, reply) using cheap field checks.
type Discriminator interface {
	Match(v View) bool
}

// DiscriminatorFunc adapts a function to Discriminator.
type DiscriminatorFunc func(v View) bool

// Match implements the Discriminator interface.
func (f DiscriminatorFunc) Match(v View) bool { return f(v) }

// HasFields matches when every path exists.
func HasFields(paths ...string) Discriminator {
	return DiscriminatorFunc(func(v View) bool {
		for _, p := range paths {
			if !v.HasField(p) {
				return false
			}
		}
		return true
	})
}

// FieldEquals matches when path holds the string value.
func FieldEquals(path, value string) Discriminator {
	return DiscriminatorFunc(func(v View) bool {
		s, ok := v.GetString(path)
		return ok && s == value
	})
}

// And matches when all of ds match. An empty And matches everything.
func And(ds ...Discriminator) Discriminator {
	return DiscriminatorFunc(func(v View) bool {
		for _, d := range ds {
			if !d.Match(v) {
				return false
			}
		}
		return true
	})
}

// Or matches when any of ds matches.
func Or(ds ...Discriminator) Discriminator {
	return DiscriminatorFunc(func(v View) bool {
		for _, d := range ds {
			if d.Match(v) {
				return true
			}
		}
		return false
	})
}

// Envelope classes recognised by the receiver.
var (
	IsReply = And(
		FieldEquals("kind", string(KindReply)),
		HasFields("correlation_id"),
	)
	IsRequest = And(
		FieldEquals("kind", string(KindRequest)),
		HasFields("type", "correlation_id"),
	)
	IsNotification = And(
		FieldEquals("kind", string(KindNotification)),
		HasFields("type"),
	)
)
