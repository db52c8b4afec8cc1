package config

import (
	"fmt"
	"math"
)

// erasesPerCommit counts page erases for one partial commit: the swap
// snapshot and the primary rewrite.
const erasesPerCommit = 2

// Wear is the projected flash wear for a commit rate.
type Wear struct {
	FlashBytes      int64
	CommitsPerDay   float64
	ErasesPerDay    float64
	EnduranceCycles int
	LifetimeDays    float64 // +Inf when nothing is committed
}

// EstimateWear projects page wear for a block size and commit rate.
func (c *Config) EstimateWear(blockSize int, commitsPerDay float64) Wear {
	w := Wear{
		FlashBytes:      2 * int64(blockSize),
		CommitsPerDay:   commitsPerDay,
		ErasesPerDay:    commitsPerDay * erasesPerCommit,
		EnduranceCycles: c.Device.EnduranceCycles,
		LifetimeDays:    math.Inf(1),
	}

	// Both pages are erased once per commit, so each page wears at the
	// commit rate.
	if commitsPerDay > 0 {
		w.LifetimeDays = float64(c.Device.EnduranceCycles) / commitsPerDay
	}
	return w
}

// Format returns a human-readable summary of the projection.
func (w *Wear) Format() string {
	lifetime := "unbounded"
	if !math.IsInf(w.LifetimeDays, 1) {
		lifetime = fmt.Sprintf("%.1f days (%.1f years)", w.LifetimeDays, w.LifetimeDays/365)
	}

	return fmt.Sprintf(`Flash Wear
==========

Flash in use:      %s
Commits/day:       %s
Erases/day:        %s
Endurance:         %s cycles per page
Lifetime:          %s
`,
		formatBytes(w.FlashBytes),
		formatNumber(int64(w.CommitsPerDay)),
		formatNumber(int64(w.ErasesPerDay)),
		formatNumber(int64(w.EnduranceCycles)),
		lifetime,
	)
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
	)

	switch {
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats a number with thousand separators.
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}
