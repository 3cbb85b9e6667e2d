// Package health reports whether the platform connection and the facades built on it are
// working.
//
// A Status carries one of three states. Aggregate folds component checks into one status
// where the worst state wins:
//
//	status := health.Aggregate("platform",
//	    health.Healthy("connection", "connected"),
//	    health.Degraded("subscription billing", "stopped"),
//	)
//	status.State // health.StateDegraded
//
// Messages built from errors pass through Sanitize, which strips URLs, paths, addresses and
// credentials before the status is logged or served.
package health
