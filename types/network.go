package types

// ConnectivityMonitor reports whether the remote API is reachable and
// notifies subscribers on every online/offline transition.
type ConnectivityMonitor interface {
	IsOnline() bool
	Subscribe(listener func(online bool)) (unsubscribe func())
}
