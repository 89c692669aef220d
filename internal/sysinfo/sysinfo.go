// Package sysinfo reports process and host information for status output.
package sysinfo

import (
	"os"
	"runtime"
	"sync"
	"time"
)

var (
	// Version is the relay version, set at startup from the build.
	Version = "dev"

	// startTime is when the process started.
	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
}

// Info describes the running process.
type Info struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	Version       string `json:"version"`
	GoVersion     string `json:"go_version"`
	StartTime     int64  `json:"start_time"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Goroutines    int    `json:"goroutines"`
}

// Collect gathers process information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Hostname:      hostname,
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		Version:       Version,
		GoVersion:     runtime.Version(),
		StartTime:     startTime.Unix(),
		UptimeSeconds: UptimeSeconds(),
		Goroutines:    runtime.NumGoroutine(),
	}
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the process uptime as a duration.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// UptimeSeconds returns the process uptime in seconds.
func UptimeSeconds() int64 {
	return int64(Uptime().Seconds())
}
