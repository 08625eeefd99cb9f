package fanout

// Registry is the narrow view of internal/registry the fan-out needs to
// deliver a notification to every subscriber of an SPU.
type Registry interface {
	NotifySubscribers(spuid string, payload any, onConnectionLost func(gid string))
}

// Deliver renders n into its wire frame and fans it out to every subscriber
// of n.SPUID through reg, best-effort: a dead sink is
// reported via onConnectionLost but never aborts delivery to the rest.
// Callers are responsible for invoking Deliver in barrier order so the
// ordering guarantee (InitialSnapshot -> Added/Removed pairs -> Terminated,
// no reordering across barriers) holds -- fanout itself does not buffer or
// reorder.
func Deliver(reg Registry, n Notification, onConnectionLost func(gid string)) {
	reg.NotifySubscribers(n.SPUID, ToFrame(n), onConnectionLost)
}
