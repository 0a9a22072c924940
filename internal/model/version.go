package model

// Version is the build version, injected by the binary and reported on the
// status endpoint and in the upstream User-Agent.
type Version string

// UserAgent returns the User-Agent sent on every upstream request.
func (v Version) UserAgent() string {
	if v == "" {
		v = "dev"
	}
	return "edgecompose/" + string(v)
}
