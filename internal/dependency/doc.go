// Package dependency holds the fixed dependency graph of the managed
// service fleet and the scheduler that walks it during apply.
//
// The graph never changes shape — it is the same seven services in the
// same topological order every run:
//
//	qbittorrent, radarr, sonarr, prowlarr, jellyfin, jellyseerr, pipeline
//
// During ensure, a service whose upstream dependency failed is itself
// marked failed without invoking its client; during verify, every
// service is checked regardless of upstream failures, since verify's
// job is to report the full health picture, not to short-circuit it.
package dependency
