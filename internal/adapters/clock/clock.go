package clock

import "time"

// Clock provides the unix timestamps stamped into signed API requests.
type Clock struct{}

// NowUnix returns current unix seconds.
func (Clock) NowUnix() int64 {
	return time.Now().Unix()
}
